package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Config controls the router's cross-cutting behavior.
type Config struct {
	// AllowedOrigins is the CORS allow-list; "*" permits any origin.
	AllowedOrigins []string
	// RateLimitPerMinute bounds requests per client address per
	// minute (spec.md §5's advisory sliding window).
	RateLimitPerMinute int
}

// NewRouter builds the engine's chi router: request IDs, request
// logging, panic recovery, CORS, then the advisory rate limiter in
// front of every route, followed by the run-create, CI-webhook, run-status, and
// bundle-fetch routes.
func NewRouter(h *Handler, cfg Config, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", headerWorkspaceID, headerTimestamp, headerNonce, headerSignature},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	limit := cfg.RateLimitPerMinute
	if limit <= 0 {
		limit = 120
	}
	r.Use(RateLimit(limit, time.Minute))

	r.Get("/healthz", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", h.CreateRun)
		r.Post("/ci/runs", h.CIWebhook)

		r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
			r.Get("/runs/{runID}", h.GetRun)
			r.Get("/bundles/{artifactID}", h.GetBundle)
		})
	})

	return r
}

// requestLogger logs each request's method, path, status, and
// duration at Info level, mirroring the teacher's zap-based
// middleware style.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
