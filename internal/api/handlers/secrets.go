package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/appfoundry/appfoundry/internal/api/middleware"
	"github.com/appfoundry/appfoundry/pkg/models"
)

type secretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type secretResponse struct {
	Key       string    `json:"key"`
	Value     string    `json:"value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetSecret answers PUT /v1/linked-accounts/{accountID}/secrets. The value
// is encrypted at rest; writing an existing key replaces its value.
func (h *Handlers) SetSecret(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	account, ok := h.linkedAccountForProject(w, r, project.ID)
	if !ok {
		return
	}

	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" || req.Value == "" {
		respondError(w, http.StatusBadRequest, "key and value are required")
		return
	}

	encrypted, err := h.Cipher.Encrypt([]byte(req.Value))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "secret encryption failed")
		return
	}

	now := time.Now().UTC()
	secret := &models.Secret{
		ID:              uuid.New(),
		LinkedAccountID: account.ID,
		Key:             req.Key,
		EncryptedValue:  encrypted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.Store.SetSecret(r.Context(), secret); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, secretResponse{Key: secret.Key, CreatedAt: secret.CreatedAt, UpdatedAt: secret.UpdatedAt})
}

// ListSecrets answers GET /v1/linked-accounts/{accountID}/secrets. Values
// are not included; fetch a single secret to decrypt it.
func (h *Handlers) ListSecrets(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	account, ok := h.linkedAccountForProject(w, r, project.ID)
	if !ok {
		return
	}
	secrets, err := h.Store.ListSecrets(r.Context(), account.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	out := make([]secretResponse, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, secretResponse{Key: s.Key, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

// GetSecret answers GET /v1/linked-accounts/{accountID}/secrets/{key} and
// returns the decrypted value.
func (h *Handlers) GetSecret(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	account, ok := h.linkedAccountForProject(w, r, project.ID)
	if !ok {
		return
	}
	secret, err := h.Store.GetSecret(r.Context(), account.ID, chi.URLParam(r, "key"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	value, err := h.Cipher.Decrypt(secret.EncryptedValue)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "secret decryption failed")
		return
	}
	respondJSON(w, http.StatusOK, secretResponse{
		Key:       secret.Key,
		Value:     string(value),
		CreatedAt: secret.CreatedAt,
		UpdatedAt: secret.UpdatedAt,
	})
}

// DeleteSecret answers DELETE /v1/linked-accounts/{accountID}/secrets/{key}.
func (h *Handlers) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	account, ok := h.linkedAccountForProject(w, r, project.ID)
	if !ok {
		return
	}
	if err := h.Store.DeleteSecret(r.Context(), account.ID, chi.URLParam(r, "key")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
