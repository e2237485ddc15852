package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/leadflow/internal/adapter/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Logging logs every request and, when m is non-nil, records request
// metrics labelled by chi route pattern.
func Logging(logger *slog.Logger, m *metrics.IngestMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			route := routePattern(r)

			if m != nil {
				m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
				m.RequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
			}
			logger.Info("handled request",
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"request_id", chimw.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
