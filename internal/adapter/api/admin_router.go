package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/leadflow/internal/adapter/api/handler"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewAdminRouter serves metrics and batch queue maintenance on the internal port.
func NewAdminRouter(admin *handler.AdminHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", admin.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Get("/groups", admin.Groups)
			r.Route("/groups/{group}", func(r chi.Router) {
				r.Get("/consumers", admin.Consumers)
				r.Get("/pending", admin.PendingSummary)
				r.Get("/pending/messages", admin.PendingBatches)
				r.Post("/claim", admin.Claim)
				r.Post("/ack", admin.Acknowledge)
			})
			r.Post("/trim", admin.Trim)
		})
		r.Get("/dead-letters", admin.DeadLetters)
		r.Post("/dead-letters/requeue", admin.Requeue)
	})
	logger.Debug("admin routes registered")
	return r
}
