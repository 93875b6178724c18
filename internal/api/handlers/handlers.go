// Package handlers implements the HTTP handlers for the AppFoundry
// control plane. All handlers work through the Store interface and answer
// JSON.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/appfoundry/appfoundry/internal/billing"
	"github.com/appfoundry/appfoundry/internal/config"
	"github.com/appfoundry/appfoundry/internal/crypto"
	"github.com/appfoundry/appfoundry/internal/embeddings"
	"github.com/appfoundry/appfoundry/internal/executor"
	"github.com/appfoundry/appfoundry/internal/seeding"
	"github.com/appfoundry/appfoundry/internal/store"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store           store.Store
	Cipher          crypto.Cipher
	EmbeddingDriver embeddings.Driver
	Executor        *executor.Executor
	Seeder          *seeding.Seeder
	Billing         *billing.Service
	Config          *config.Config
}

// New creates a Handlers instance with all dependencies.
func New(st store.Store, cipher crypto.Cipher, driver embeddings.Driver, exec *executor.Executor, seeder *seeding.Seeder, bil *billing.Service, cfg *config.Config) *Handlers {
	return &Handlers{
		Store:           st,
		Cipher:          cipher,
		EmbeddingDriver: driver,
		Executor:        exec,
		Seeder:          seeder,
		Billing:         bil,
		Config:          cfg,
	}
}

// Health reports liveness and store reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status":  status,
		"version": h.Config.Version,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store error types onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case store.IsConflict(err):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
