package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/crypto"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

type contextKey string

const (
	agentKey   contextKey = "agent"
	projectKey contextKey = "project"
)

// Authenticator validates agent API keys. The key travels in a header
// (X-API-KEY by default) and is looked up by its keyed HMAC, so plaintext
// keys never touch the database.
type Authenticator struct {
	store      store.Store
	header     string
	hashSecret string
}

func NewAuthenticator(st store.Store, header, hashSecret string) *Authenticator {
	if header == "" {
		header = "X-API-KEY"
	}
	return &Authenticator{store: st, header: header, hashSecret: hashSecret}
}

// Handler authenticates the request and stores the agent and its project
// in the request context.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(a.header)
		if key == "" {
			respondUnauthorized(w, "API key required in "+a.header+" header")
			return
		}

		ctx := r.Context()
		digest := crypto.HMACSHA256(key, a.hashSecret)
		apiKey, err := a.store.GetAPIKeyByHMAC(ctx, digest)
		if err != nil {
			if store.IsNotFound(err) {
				respondUnauthorized(w, "invalid API key")
				return
			}
			log.Error().Err(err).Msg("API key lookup failed")
			respondServerError(w)
			return
		}
		if apiKey.Status != models.APIKeyStatusActive {
			respondUnauthorized(w, "API key is "+string(apiKey.Status))
			return
		}

		agent, err := a.store.GetAgent(ctx, apiKey.AgentID)
		if err != nil {
			log.Error().Err(err).Str("agent_id", apiKey.AgentID.String()).Msg("Agent lookup failed")
			respondUnauthorized(w, "invalid API key")
			return
		}
		project, err := a.store.GetProject(ctx, agent.ProjectID)
		if err != nil {
			log.Error().Err(err).Str("project_id", agent.ProjectID.String()).Msg("Project lookup failed")
			respondUnauthorized(w, "invalid API key")
			return
		}

		ctx = context.WithValue(ctx, agentKey, agent)
		ctx = context.WithValue(ctx, projectKey, project)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentFromContext returns the authenticated agent, or nil.
func AgentFromContext(ctx context.Context) *models.Agent {
	agent, _ := ctx.Value(agentKey).(*models.Agent)
	return agent
}

// ProjectFromContext returns the authenticated agent's project, or nil.
func ProjectFromContext(ctx context.Context) *models.Project {
	project, _ := ctx.Value(projectKey).(*models.Project)
	return project
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}

func respondServerError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
