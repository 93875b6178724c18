package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/appfoundry/appfoundry/internal/api/middleware"
	"github.com/appfoundry/appfoundry/internal/embeddings"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

// appResponse is the public shape of an app. Default credentials and
// embeddings never leave the service.
type appResponse struct {
	models.App
	Score *float64 `json:"relevance_score,omitempty"`
}

// ListApps answers GET /v1/apps. Agents only ever see public active apps,
// filtered down to their allowed set.
func (h *Handlers) ListApps(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())
	filter := store.AppFilter{
		PublicOnly: true,
		ActiveOnly: true,
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
		Categories: queryList(r, "categories"),
	}
	if names := queryList(r, "app_names"); len(names) > 0 {
		filter.Names = names
	}

	apps, err := h.Store.ListApps(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	out := make([]appResponse, 0, len(apps))
	for i := range apps {
		if agent != nil && !agent.AppAllowed(apps[i].Name) {
			continue
		}
		out = append(out, appResponse{App: apps[i]})
	}
	respondJSON(w, http.StatusOK, out)
}

// SearchApps answers GET /v1/apps/search. With an intent parameter the
// catalog is ranked by embedding similarity.
func (h *Handlers) SearchApps(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())
	filter := store.AppFilter{
		PublicOnly: true,
		ActiveOnly: true,
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
		Categories: queryList(r, "categories"),
	}

	var intentEmbedding []float64
	if intent := r.URL.Query().Get("intent"); intent != "" {
		vector, err := embeddings.EmbedOne(r.Context(), h.EmbeddingDriver, intent)
		if err != nil {
			respondError(w, http.StatusBadGateway, "intent embedding failed: "+err.Error())
			return
		}
		intentEmbedding = vector
	}

	scored, err := h.Store.SearchApps(r.Context(), filter, intentEmbedding)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	out := make([]appResponse, 0, len(scored))
	for i := range scored {
		if agent != nil && !agent.AppAllowed(scored[i].App.Name) {
			continue
		}
		out = append(out, appResponse{App: scored[i].App, Score: scored[i].Score})
	}
	respondJSON(w, http.StatusOK, out)
}

// GetApp answers GET /v1/apps/{appName}.
func (h *Handlers) GetApp(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "appName")
	agent := middleware.AgentFromContext(r.Context())

	app, err := h.Store.GetApp(r.Context(), name)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if app.Visibility != models.VisibilityPublic || !app.Active {
		respondError(w, http.StatusNotFound, "app not found: "+name)
		return
	}
	if agent != nil && !agent.AppAllowed(app.Name) {
		respondError(w, http.StatusForbidden, "app not allowed for this agent: "+name)
		return
	}
	respondJSON(w, http.StatusOK, appResponse{App: *app})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func queryList(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
