package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/appfoundry/appfoundry/internal/api/handlers"
	"github.com/appfoundry/appfoundry/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes. The catalog,
// configuration and execution surface requires agent authentication; the
// health check, billing webhook (signature-verified) and the local-only
// seeding admin surface do not.
func NewRouter(h *handlers.Handlers, auth *middleware.Authenticator, localMode bool) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-KEY", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/billing/webhooks", h.BillingWebhook)

		// Authenticated agent surface.
		r.Group(func(r chi.Router) {
			r.Use(auth.Handler)

			r.Route("/apps", func(r chi.Router) {
				r.Get("/", h.ListApps)
				r.Get("/search", h.SearchApps)
				r.Get("/{appName}", h.GetApp)
			})

			r.Route("/functions", func(r chi.Router) {
				r.Get("/", h.ListFunctions)
				r.Get("/search", h.SearchFunctions)
				r.Get("/{functionName}", h.GetFunction)
				r.Post("/{functionName}/execute", h.ExecuteFunction)
			})

			r.Route("/app-configurations", func(r chi.Router) {
				r.Get("/", h.ListAppConfigurations)
				r.Post("/", h.CreateAppConfiguration)
				r.Route("/{appName}", func(r chi.Router) {
					r.Get("/", h.GetAppConfiguration)
					r.Patch("/", h.UpdateAppConfiguration)
					r.Delete("/", h.DeleteAppConfiguration)
				})
			})

			r.Route("/linked-accounts", func(r chi.Router) {
				r.Get("/", h.ListLinkedAccounts)
				r.Post("/", h.CreateLinkedAccount)
				r.Route("/{accountID}", func(r chi.Router) {
					r.Get("/", h.GetLinkedAccount)
					r.Delete("/", h.DeleteLinkedAccount)
					r.Route("/secrets", func(r chi.Router) {
						r.Get("/", h.ListSecrets)
						r.Put("/", h.SetSecret)
						r.Get("/{key}", h.GetSecret)
						r.Delete("/{key}", h.DeleteSecret)
					})
				})
			})
		})

		// Admin seeding surface, only mounted for local deployments.
		if localMode {
			r.Route("/tool-seeding", func(r chi.Router) {
				r.Get("/seeding-status", h.SeedingStatus)
				r.Get("/available-apps", h.AvailableApps)
				r.Get("/seeded-apps", h.SeededApps)
				r.Get("/last-result", h.SeedingResult)
				r.Post("/seed-tool", h.SeedTool)
			})
			r.Get("/seeding-info", h.SeedingInfo)
		}
	})

	return r
}
