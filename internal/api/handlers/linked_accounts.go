package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/api/middleware"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

type linkedAccountRequest struct {
	AppName        string                `json:"app_name"`
	OwnerAccountID string                `json:"linked_account_owner_id"`
	SecurityScheme models.SecurityScheme `json:"security_scheme"`
	Credentials    map[string]any        `json:"credentials,omitempty"`
}

// linkedAccountResponse never carries credential material.
type linkedAccountResponse struct {
	ID             uuid.UUID             `json:"id"`
	ProjectID      uuid.UUID             `json:"project_id"`
	AppName        string                `json:"app_name"`
	OwnerAccountID string                `json:"linked_account_owner_id"`
	SecurityScheme models.SecurityScheme `json:"security_scheme"`
	Enabled        bool                  `json:"enabled"`
	LastUsedAt     *time.Time            `json:"last_used_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func toLinkedAccountResponse(la *models.LinkedAccount) linkedAccountResponse {
	return linkedAccountResponse{
		ID:             la.ID,
		ProjectID:      la.ProjectID,
		AppName:        la.AppName,
		OwnerAccountID: la.OwnerAccountID,
		SecurityScheme: la.SecurityScheme,
		Enabled:        la.Enabled,
		LastUsedAt:     la.LastUsedAt,
		CreatedAt:      la.CreatedAt,
		UpdatedAt:      la.UpdatedAt,
	}
}

// CreateLinkedAccount answers POST /v1/linked-accounts. Credentials are
// encrypted before they reach the store. One account per project, app and
// owner id.
func (h *Handlers) CreateLinkedAccount(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req linkedAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AppName == "" || req.OwnerAccountID == "" {
		respondError(w, http.StatusBadRequest, "app_name and linked_account_owner_id are required")
		return
	}

	app, err := h.Store.GetApp(r.Context(), req.AppName)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !app.SupportsSecurityScheme(req.SecurityScheme) {
		respondError(w, http.StatusBadRequest, "app "+app.Name+" does not support security scheme "+string(req.SecurityScheme))
		return
	}
	if req.SecurityScheme != models.SecuritySchemeNone && len(req.Credentials) == 0 {
		respondError(w, http.StatusBadRequest, "credentials are required for scheme "+string(req.SecurityScheme))
		return
	}

	var encrypted []byte
	if len(req.Credentials) > 0 {
		plaintext, err := json.Marshal(req.Credentials)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid credentials")
			return
		}
		encrypted, err = h.Cipher.Encrypt(plaintext)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "credential encryption failed")
			return
		}
	}

	now := time.Now().UTC()
	account := &models.LinkedAccount{
		ID:                   uuid.New(),
		ProjectID:            project.ID,
		AppID:                app.ID,
		AppName:              app.Name,
		OwnerAccountID:       req.OwnerAccountID,
		SecurityScheme:       req.SecurityScheme,
		EncryptedCredentials: encrypted,
		Enabled:              true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := h.Store.CreateLinkedAccount(r.Context(), account); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().
		Str("app", app.Name).
		Str("owner", req.OwnerAccountID).
		Str("project", project.ID.String()).
		Msg("Linked account created")
	respondJSON(w, http.StatusCreated, toLinkedAccountResponse(account))
}

// ListLinkedAccounts answers GET /v1/linked-accounts with optional
// app_name and linked_account_owner_id filters.
func (h *Handlers) ListLinkedAccounts(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	filter := store.LinkedAccountFilter{
		AppName:        r.URL.Query().Get("app_name"),
		OwnerAccountID: r.URL.Query().Get("linked_account_owner_id"),
	}
	accounts, err := h.Store.ListLinkedAccounts(r.Context(), project.ID, filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	out := make([]linkedAccountResponse, 0, len(accounts))
	for i := range accounts {
		out = append(out, toLinkedAccountResponse(&accounts[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetLinkedAccount answers GET /v1/linked-accounts/{accountID}.
func (h *Handlers) GetLinkedAccount(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	account, ok := h.linkedAccountForProject(w, r, project.ID)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toLinkedAccountResponse(account))
}

// DeleteLinkedAccount answers DELETE /v1/linked-accounts/{accountID}.
func (h *Handlers) DeleteLinkedAccount(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	account, ok := h.linkedAccountForProject(w, r, project.ID)
	if !ok {
		return
	}
	if err := h.Store.DeleteLinkedAccount(r.Context(), account.ID); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("account", account.ID.String()).Msg("Linked account deleted")
	w.WriteHeader(http.StatusNoContent)
}

// linkedAccountForProject resolves the path id and enforces project
// ownership. Cross-project ids answer 404, not 403, to avoid existence
// leaks.
func (h *Handlers) linkedAccountForProject(w http.ResponseWriter, r *http.Request, projectID uuid.UUID) (*models.LinkedAccount, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid linked account id")
		return nil, false
	}
	account, err := h.Store.GetLinkedAccount(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return nil, false
	}
	if account.ProjectID != projectID {
		respondError(w, http.StatusNotFound, "linked account not found")
		return nil, false
	}
	return account, true
}
