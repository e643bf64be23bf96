package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/utils"
)

// requestTimeout bounds the non-streaming endpoints. Streams are bounded by
// the client connection instead.
const requestTimeout = 30 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(deps.ProxyTrust.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Session endpoints
		r.Route("/auth", func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))

			r.Group(func(r chi.Router) {
				r.Use(deps.OriginRateLimit.Limit)
				r.Post("/register", deps.AuthHandler.HandleRegister)
				r.Post("/login", deps.AuthHandler.HandleLogin)
				r.Post("/refresh", deps.AuthHandler.HandleRefresh)
			})

			r.With(deps.AuthMiddleware.RequireAuth).Post("/logout", deps.AuthHandler.HandleLogout)
		})

		// Everything below requires a token and is charged against the caller's quota
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)

			r.Route("/users/me", func(r chi.Router) {
				r.Use(chimw.Timeout(requestTimeout))
				r.Get("/", deps.UserHandler.HandleMe)
				r.Delete("/", deps.UserHandler.HandleDeleteAccount)
				r.Put("/password", deps.UserHandler.HandleChangePassword)
			})

			// Streaming endpoints carry no timeout
			r.Post("/completions", deps.CompletionHandler.HandleCompletion)

			r.Route("/conversations", func(r chi.Router) {
				r.With(chimw.Timeout(requestTimeout)).Post("/", deps.ConversationHandler.HandleCreate)
				r.With(chimw.Timeout(requestTimeout)).Get("/", deps.ConversationHandler.HandleList)
				r.With(chimw.Timeout(requestTimeout)).Get("/{id}/messages", deps.ConversationHandler.HandleMessages)
				r.Get("/{id}/ws", deps.ConversationHandler.HandleWebSocket)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
