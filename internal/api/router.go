package api

import (
	"net/http"

	"github.com/Rrens/collab-sessions/internal/api/handler"
	customMiddleware "github.com/Rrens/collab-sessions/internal/api/middleware"
	"github.com/Rrens/collab-sessions/internal/collab"
	"github.com/Rrens/collab-sessions/internal/config"
	"github.com/Rrens/collab-sessions/internal/security"
	"github.com/Rrens/collab-sessions/internal/service"
	"github.com/Rrens/collab-sessions/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Dependencies are the components the router exposes over HTTP
type Dependencies struct {
	Config     *config.Config
	Service    *service.CollaborationService
	Registry   *collab.Registry
	JWTManager *security.JWTManager
	// RateLimiter is nil when redis is disabled
	RateLimiter customMiddleware.Limiter
	ReadyChecks map[string]handler.Pinger
}

// NewRouter creates and configures the HTTP router
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.Collab.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authMiddleware := customMiddleware.NewAuthMiddleware(deps.JWTManager)

	var limit func(http.Handler) http.Handler
	if deps.RateLimiter != nil {
		limit = customMiddleware.NewRateLimitMiddleware(deps.RateLimiter).Limit
	}

	sessionHandler := handler.NewSessionHandler(deps.Service, deps.Registry, deps.JWTManager)
	collabHandler := handler.NewCollabHandler(deps.Service, deps.Registry, cfg.Collab.InactiveThreshold)
	wsHandler := ws.NewHandler(deps.Registry, deps.Service, deps.JWTManager, cfg.Collab)

	// Long-lived websocket connections stay outside the request timeout.
	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Get("/ws/sessions/{sessionID}", wsHandler.ServeHTTP)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))

		// Health check
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(deps.ReadyChecks))

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			if limit != nil {
				r.Use(limit)
			}

			r.Route("/projects/{projectID}/sessions", func(r chi.Router) {
				r.Get("/", sessionHandler.List)
				r.Post("/", sessionHandler.Create)
			})

			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Delete("/", sessionHandler.Delete)
				r.Post("/token", sessionHandler.IssueToken)
			})

			r.Route("/collab", func(r chi.Router) {
				r.Get("/stats", collabHandler.Stats)
				r.Get("/stats/{sessionID}", collabHandler.SessionStats)
				r.Post("/purge", collabHandler.Purge)
			})
		})
	})

	return r
}

func corsOrigins(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}
	return allowed
}
