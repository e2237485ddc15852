package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/leadflow/internal/adapter/api/handler"
	"github.com/V4T54L/leadflow/internal/adapter/api/middleware"
	"github.com/V4T54L/leadflow/internal/adapter/metrics"
	"github.com/V4T54L/leadflow/internal/domain"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterDeps are the handlers and collaborators of the public API.
type RouterDeps struct {
	Batches     *handler.BatchHandler
	Clients     *handler.ClientHandler
	Progress    *handler.ProgressBroker
	APIKeys     domain.APIKeyRepository
	Metrics     *metrics.IngestMetrics
	CORSOrigins []string
}

// NewRouter builds the public API. Every /v1 route requires an API key.
func NewRouter(deps RouterDeps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger, deps.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.APIKeyHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.APIKeys, logger))

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", deps.Batches.Upload)
			r.Get("/{id}", deps.Batches.Status)
			r.With(chimw.Timeout(10*time.Minute)).Post("/{id}/resume", deps.Batches.Resume)
		})
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", deps.Clients.List)
			r.Post("/", deps.Clients.Create)
			r.Get("/{id}", deps.Clients.Get)
			r.Post("/{id}/reset", deps.Clients.ResetQuota)
		})
		r.Get("/stats", deps.Clients.Stats)
		if deps.Progress != nil {
			r.Get("/events", deps.Progress.ServeHTTP)
		}
	})
	return r
}
