package handlers

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"workout-ingest/internal/config"
	"workout-ingest/internal/metrics"
	"workout-ingest/internal/middleware"
)

// Dependencies are the components the HTTP surface dispatches to
type Dependencies struct {
	Authenticator func(http.Handler) http.Handler
	Importer      HistoryImporter
	Tokens        TokenService
	Queue         QueueStore
	Processor     QueueProcessor
	Health        HealthChecker
}

// NewRouter builds the public HTTP handler
func NewRouter(cfg *config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestIDMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusForbidden)
	})

	r.Method(http.MethodGet, "/health", middleware.WrapHandler(metrics.EndpointHealth, NewHealthHandler(deps.Health).ServeHTTP))

	services := cfg.EnabledServices()
	history := NewHistoryHandler(deps.Importer)
	tokenHandler := NewTokenHandler(deps.Tokens)
	insert := NewInsertHandler(cfg, deps.Queue, deps.Processor)

	// Browser facing endpoints
	r.Group(func(r chi.Router) {
		r.Use(serviceGuard(services))
		r.Use(originGuard(cfg.CORS.AllowedOrigins))
		r.Use(corsHandler(cfg.CORS.AllowedOrigins))
		r.Use(httprate.LimitByIP(cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow))

		browserEndpoint(r, "/{service}/history", metrics.EndpointHistory, deps.Authenticator, history)
		browserEndpoint(r, "/{service}/deauthorize", metrics.EndpointDeauthorize, deps.Authenticator,
			http.HandlerFunc(tokenHandler.HandleDeauthorize))
		browserEndpoint(r, "/{service}/token", metrics.EndpointToken, deps.Authenticator,
			http.HandlerFunc(tokenHandler.HandleToken))
	})

	// Service push notifications
	r.Group(func(r chi.Router) {
		r.Use(serviceGuard(services))
		r.Use(middleware.Metrics(metrics.EndpointInsert))
		r.Method(http.MethodGet, "/{service}/insert", insert)
		r.Method(http.MethodPost, "/{service}/insert", insert)
	})

	return r
}

// browserEndpoint registers a POST handler behind authentication plus an
// OPTIONS handler for preflights the CORS middleware lets through
func browserEndpoint(r chi.Router, pattern, endpoint string, authenticate func(http.Handler) http.Handler, h http.Handler) {
	r.With(middleware.Metrics(endpoint)).Options(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.With(middleware.Metrics(endpoint), authenticate).Method(http.MethodPost, pattern, h)
}

// serviceGuard answers 404 for services that are not enabled
func serviceGuard(services []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(services, chi.URLParam(r, "service")) {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originGuard rejects browser requests from origins outside the allow list.
// An empty list allows every origin.
func originGuard(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) > 0 && !slices.Contains(allowed, r.Header.Get("Origin")) {
				http.Error(w, "Unauthorized", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsHandler(allowed []string) func(http.Handler) http.Handler {
	origins := allowed
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	})
}
