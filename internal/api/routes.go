package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the full route tree. /healthz and /metrics are public;
// everything under /v1 requires the bearer token and tenant headers.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(h.logger))
	r.Use(RecoveryMiddleware(h.logger))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.token, h.logger))
		r.Use(TenantMiddleware())

		r.Post("/search", h.Search)
		r.Post("/search/advanced", h.AdvancedSearch)

		r.Route("/memories", func(r chi.Router) {
			r.Get("/", h.Retrieve)
			r.Post("/", h.StoreMemory)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetMemory)
				r.Delete("/", h.DeleteMemory)
				r.Post("/access", h.RecordAccess)
				r.Put("/importance", h.SetImportance)
				r.Get("/score", h.Score)
				r.Post("/ripple", h.Ripple)
				r.Get("/versions", h.ListVersions)
				r.Post("/versions/{version}/restore", h.RestoreVersion)
				r.Get("/permissions", h.ListPermissions)
				r.Put("/permissions", h.GrantPermission)
				r.Delete("/permissions/{userID}", h.RevokePermission)
			})
		})
	})

	return r
}
