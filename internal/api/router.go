package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/bacnet-hub/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket authenticates in the handler (header token or ticket).
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/me", s.handleMe)
			r.With(s.requirePermission(auth.PermHubRead)).Post("/ws-ticket", s.handleWSTicket)
			r.With(s.requirePermission(auth.PermMetricsRead)).Get("/metrics", s.handleMetrics)
			r.With(s.requirePermission(auth.PermMetricsRead)).Get("/system", s.handleSystem)
			r.With(s.requirePermission(auth.PermHubReload)).Post("/reload", s.handleReload)
			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)

			r.Route("/entries", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermHubRead)).Get("/", s.handleListEntries)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermHubRead)).Get("/", s.handleGetEntry)
					r.With(s.requirePermission(auth.PermHubRead)).Get("/mappings", s.handleListMappings)
					r.With(s.requirePermission(auth.PermHubRead)).Get("/remote", s.handleListRemote)
					r.With(s.requirePermission(auth.PermEntryManage)).Put("/labels", s.handleUpdateLabels)
					r.With(s.requirePermission(auth.PermPointManage)).Patch("/imported/{unique_id}", s.handleSetImported)
				})
			})
		})
	})

	return r
}
