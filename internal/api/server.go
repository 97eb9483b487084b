// Package api provides the HTTP protocol adapter over the registry core. It
// translates requests into registry calls and registry results (or error
// kinds) into protocol responses; it never exposes raw subprocess output to
// clients.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scmreg/scm-registry-server/internal/registry"
)

// ServerOption configures the registry API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates and configures the HTTP router with the given service
// and options
func NewServer(svc registry.Service, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", HealthRouter())
	r.Mount("/v1", Router(svc))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
