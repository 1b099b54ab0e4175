package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/szaher/sessionstore/internal/auth"
	"github.com/szaher/sessionstore/internal/security"
	"github.com/szaher/sessionstore/internal/telemetry"
)

// RouterOptions configures the middleware in front of the routes.
type RouterOptions struct {
	// APIKey enables bearer authentication when set.
	APIKey string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	// Burst defaults to twice RateLimit.
	Burst int
	// RequestTimeout bounds each request's context.
	RequestTimeout time.Duration
}

// Router returns the HTTP handler with all routes and middleware.
func (h *Handler) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(correlation)
	r.Use(source)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit * 2)
		}
		rl := auth.NewRateLimiter(auth.RateLimitConfig{RequestsPerSecond: opts.RateLimit, Burst: burst})
		r.Use(rl.Middleware(auth.ClientIPKeyFunc))
	}
	r.Use(auth.Middleware(auth.Options{
		APIKey:    opts.APIKey,
		SkipPaths: []string{"/healthz", "/metrics"},
		Failures:  h.facade.Guard().Detector(),
		Logger:    h.logger,
	}))
	if opts.RequestTimeout > 0 {
		r.Use(chiMiddleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/healthz", h.Health)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Put("/", h.EnsureSession)
			r.Get("/", h.GetSession)
			r.Delete("/", h.TerminateSession)
			r.Post("/messages", h.AddMessage)
		})
		r.Get("/users/{uid}/history", h.ListHistory)
		r.Put("/users/{uid}/context/{key}", h.StoreUserContext)
		r.Get("/users/{uid}/context/{key}", h.GetUserContext)
		r.Put("/agents/{aid}/memory/{key}", h.StoreAgentMemory)
		r.Get("/agents/{aid}/memory/{key}", h.GetAgentMemory)
		r.Put("/knowledge/{category}/{key}", h.StoreKnowledge)
		r.Get("/knowledge/{category}/{key}", h.GetKnowledge)
	})
	return r
}

// correlation propagates or assigns the request's correlation id.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(HeaderCorrelationID))
		w.Header().Set(HeaderCorrelationID, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// source tags the request with the client address for enumeration tracking.
func source(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := security.WithSource(r.Context(), auth.ClientIPKeyFunc(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
