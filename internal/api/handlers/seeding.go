package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/seeding"
	"github.com/appfoundry/appfoundry/internal/store"
)

// SeedingStatus answers GET /v1/tool-seeding/seeding-status.
func (h *Handlers) SeedingStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Seeder.Status())
}

// AvailableApps answers GET /v1/tool-seeding/available-apps.
func (h *Handlers) AvailableApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.Seeder.AvailableApps()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if apps == nil {
		apps = []seeding.AvailableApp{}
	}
	respondJSON(w, http.StatusOK, apps)
}

// SeededApps answers GET /v1/tool-seeding/seeded-apps.
func (h *Handlers) SeededApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.Seeder.SeededApps(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, apps)
}

// SeedTool answers POST /v1/tool-seeding/seed-tool. With skip_dry_run the
// job runs inline and the full outcome comes back, failures included, as a
// success flag and error list. Otherwise the job runs in the background and
// 202 acknowledges the start. A second request while one is in flight
// answers 409.
func (h *Handlers) SeedTool(w http.ResponseWriter, r *http.Request) {
	var req seeding.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AppPath == "" {
		respondError(w, http.StatusBadRequest, "app_path is required")
		return
	}

	if req.SkipDryRun {
		outcome, err := h.Seeder.Seed(r.Context(), req)
		if err != nil {
			respondJSON(w, http.StatusConflict, seeding.Outcome{Message: err.Error(), Errors: []string{err.Error()}})
			return
		}
		respondJSON(w, http.StatusOK, outcome)
		return
	}

	if err := h.Seeder.Start(req); err != nil {
		respondJSON(w, http.StatusConflict, seeding.Outcome{Message: err.Error(), Errors: []string{err.Error()}})
		return
	}
	log.Info().Str("app_path", req.AppPath).Msg("Seeding started")
	respondJSON(w, http.StatusAccepted, seeding.Outcome{Success: true, Message: "seeding started"})
}

// SeedingResult answers GET /v1/tool-seeding/last-result.
func (h *Handlers) SeedingResult(w http.ResponseWriter, r *http.Request) {
	outcome := h.Seeder.LastOutcome()
	if outcome == nil {
		respondError(w, http.StatusNotFound, "no seeding operation has finished yet")
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

type seedingInfoAgent struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	APIKey string    `json:"api_key,omitempty"`
}

type seedingInfoProject struct {
	ID     uuid.UUID          `json:"id"`
	Name   string             `json:"name"`
	OrgID  uuid.UUID          `json:"org_id"`
	Agents []seedingInfoAgent `json:"agents"`
}

// SeedingInfo answers GET /v1/seeding-info: every project with its agents
// and their decryptable API keys, for local test setups.
func (h *Handlers) SeedingInfo(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	out := make([]seedingInfoProject, 0, len(projects))
	for _, project := range projects {
		info := seedingInfoProject{
			ID:     project.ID,
			Name:   project.Name,
			OrgID:  project.OrgID,
			Agents: []seedingInfoAgent{},
		}
		agents, err := h.Store.ListAgentsByProject(r.Context(), project.ID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		for _, agent := range agents {
			entry := seedingInfoAgent{ID: agent.ID, Name: agent.Name}
			key, err := h.Store.GetAPIKeyByAgent(r.Context(), agent.ID)
			switch {
			case err == nil:
				plaintext, decErr := h.Cipher.Decrypt(key.KeyEncrypted)
				if decErr != nil {
					log.Warn().Err(decErr).Str("agent", agent.ID.String()).Msg("Could not decrypt API key for seeding info")
				} else {
					entry.APIKey = string(plaintext)
				}
			case !store.IsNotFound(err):
				respondStoreError(w, err)
				return
			}
			info.Agents = append(info.Agents, entry)
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}
