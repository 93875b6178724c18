package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/api/middleware"
	"github.com/appfoundry/appfoundry/pkg/models"
)

type appConfigurationRequest struct {
	AppName                 string                                   `json:"app_name"`
	SecurityScheme          models.SecurityScheme                    `json:"security_scheme"`
	SecuritySchemeOverrides map[models.SecurityScheme]map[string]any `json:"security_scheme_overrides,omitempty"`
	AllFunctionsEnabled     bool                                     `json:"all_functions_enabled"`
	EnabledFunctions        []string                                 `json:"enabled_functions,omitempty"`
}

// CreateAppConfiguration answers POST /v1/app-configurations. The app must
// exist and declare the requested security scheme; one configuration per
// project and app.
func (h *Handlers) CreateAppConfiguration(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req appConfigurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AppName == "" {
		respondError(w, http.StatusBadRequest, "app_name is required")
		return
	}
	if req.AllFunctionsEnabled && len(req.EnabledFunctions) > 0 {
		respondError(w, http.StatusBadRequest, "enabled_functions must be empty when all_functions_enabled is set")
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

	now := time.Now().UTC()
	cfg := &models.AppConfiguration{
		ID:                      uuid.New(),
		ProjectID:               project.ID,
		AppID:                   app.ID,
		AppName:                 app.Name,
		SecurityScheme:          req.SecurityScheme,
		SecuritySchemeOverrides: req.SecuritySchemeOverrides,
		Enabled:                 true,
		AllFunctionsEnabled:     req.AllFunctionsEnabled,
		EnabledFunctions:        req.EnabledFunctions,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := h.Store.CreateAppConfiguration(r.Context(), cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("app", app.Name).Str("project", project.ID.String()).Msg("App configuration created")
	respondJSON(w, http.StatusCreated, cfg)
}

// ListAppConfigurations answers GET /v1/app-configurations.
func (h *Handlers) ListAppConfigurations(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	configs, err := h.Store.ListAppConfigurations(r.Context(), project.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if configs == nil {
		configs = []models.AppConfiguration{}
	}
	respondJSON(w, http.StatusOK, configs)
}

// GetAppConfiguration answers GET /v1/app-configurations/{appName}.
func (h *Handlers) GetAppConfiguration(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	cfg, err := h.Store.GetAppConfiguration(r.Context(), project.ID, chi.URLParam(r, "appName"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type appConfigurationUpdate struct {
	Enabled                 *bool                                    `json:"enabled,omitempty"`
	SecuritySchemeOverrides map[models.SecurityScheme]map[string]any `json:"security_scheme_overrides,omitempty"`
	AllFunctionsEnabled     *bool                                    `json:"all_functions_enabled,omitempty"`
	EnabledFunctions        []string                                 `json:"enabled_functions,omitempty"`
}

// UpdateAppConfiguration answers PATCH /v1/app-configurations/{appName}.
func (h *Handlers) UpdateAppConfiguration(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	cfg, err := h.Store.GetAppConfiguration(r.Context(), project.ID, chi.URLParam(r, "appName"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req appConfigurationUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.SecuritySchemeOverrides != nil {
		cfg.SecuritySchemeOverrides = req.SecuritySchemeOverrides
	}
	if req.AllFunctionsEnabled != nil {
		cfg.AllFunctionsEnabled = *req.AllFunctionsEnabled
	}
	if req.EnabledFunctions != nil {
		cfg.EnabledFunctions = req.EnabledFunctions
	}
	if cfg.AllFunctionsEnabled && len(cfg.EnabledFunctions) > 0 {
		respondError(w, http.StatusBadRequest, "enabled_functions must be empty when all_functions_enabled is set")
		return
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateAppConfiguration(r.Context(), cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// DeleteAppConfiguration answers DELETE /v1/app-configurations/{appName}.
func (h *Handlers) DeleteAppConfiguration(w http.ResponseWriter, r *http.Request) {
	project := middleware.ProjectFromContext(r.Context())
	if project == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	appName := chi.URLParam(r, "appName")
	if err := h.Store.DeleteAppConfiguration(r.Context(), project.ID, appName); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("app", appName).Str("project", project.ID.String()).Msg("App configuration deleted")
	w.WriteHeader(http.StatusNoContent)
}
