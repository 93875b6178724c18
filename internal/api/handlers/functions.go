package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appfoundry/appfoundry/internal/api/middleware"
	"github.com/appfoundry/appfoundry/internal/embeddings"
	"github.com/appfoundry/appfoundry/internal/executor"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

// ListFunctions answers GET /v1/functions.
func (h *Handlers) ListFunctions(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())
	filter := store.FunctionFilter{
		PublicOnly: true,
		ActiveOnly: true,
		AppNames:   queryList(r, "app_names"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}

	functions, err := h.Store.ListFunctions(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, filterFunctionsForAgent(functions, agent))
}

// SearchFunctions answers GET /v1/functions/search, optionally ranking by
// intent.
func (h *Handlers) SearchFunctions(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())
	filter := store.FunctionFilter{
		PublicOnly: true,
		ActiveOnly: true,
		AppNames:   queryList(r, "app_names"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
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

	functions, err := h.Store.SearchFunctions(r.Context(), filter, intentEmbedding)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, filterFunctionsForAgent(functions, agent))
}

// GetFunction answers GET /v1/functions/{functionName}.
func (h *Handlers) GetFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "functionName")
	agent := middleware.AgentFromContext(r.Context())

	fn, err := h.Store.GetFunction(r.Context(), name)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if fn.Visibility != models.VisibilityPublic || !fn.Active {
		respondError(w, http.StatusNotFound, "function not found: "+name)
		return
	}
	if agent != nil && !agent.FunctionAllowed(fn.Name) {
		respondError(w, http.StatusForbidden, "function not allowed for this agent: "+name)
		return
	}
	respondJSON(w, http.StatusOK, fn)
}

type executeRequest struct {
	FunctionInput        map[string]any `json:"function_input"`
	LinkedAccountOwnerID string         `json:"linked_account_owner_id,omitempty"`
}

// ExecuteFunction answers POST /v1/functions/{functionName}/execute.
func (h *Handlers) ExecuteFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "functionName")
	agent := middleware.AgentFromContext(r.Context())
	if agent == nil {
		respondError(w, http.StatusUnauthorized, "execution requires an authenticated agent")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.Executor.Execute(r.Context(), agent, executor.Request{
		FunctionName:       name,
		Input:              req.FunctionInput,
		LinkedAccountOwner: req.LinkedAccountOwnerID,
	})
	if err != nil {
		switch {
		case executor.IsScopeError(err):
			respondError(w, http.StatusForbidden, err.Error())
		case executor.IsQuotaError(err):
			respondError(w, http.StatusTooManyRequests, err.Error())
		case store.IsNotFound(err):
			respondError(w, http.StatusNotFound, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func filterFunctionsForAgent(functions []models.Function, agent *models.Agent) []models.Function {
	out := make([]models.Function, 0, len(functions))
	for i := range functions {
		if agent != nil && !agent.FunctionAllowed(functions[i].Name) {
			continue
		}
		out = append(out, functions[i])
	}
	return out
}
