package httpmw

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// and size the request-log middleware reports.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// CORSConfig configures the cross-origin policy for the API-sourced
// ingress surface.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// DefaultCORSConfig allows the idempotency headers and the standard
// JSON verbs from any origin; callers restrict AllowedOrigins for a
// production deployment.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Idempotency-Key", "Idempotency-Key", "X-Request-ID", "X-Tenant-ID"},
	}
}

// NewRouter builds the chi.Router the API-sourced ingress handlers
// mount onto: request id + recover from chi's own middleware package,
// CORS from cfg, then the idempotency middleware over svc.
func NewRouter(cfg CORSConfig, idempotencyMW func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: cfg.AllowedMethods,
		AllowedHeaders: cfg.AllowedHeaders,
		MaxAge:         300,
	}))
	if idempotencyMW != nil {
		r.Use(idempotencyMW)
	}
	return r
}

// RequestLog logs each request's method, route pattern, status, size,
// and duration at Info level via a wrapped responseWriter, minus the
// tracing span (telemetry wiring for HTTP spans lives in the
// telemetry package).
func RequestLog(logf func(method, pattern string, status, size int, dur time.Duration)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			pattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			logf(r.Method, pattern, wrapped.statusCode, wrapped.size, time.Since(start))
		})
	}
}
