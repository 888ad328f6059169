package routes

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/database"
	"github.com/bastionhq/bastion/internal/handlers"
	"github.com/bastionhq/bastion/internal/obs"
	pkghttp "github.com/bastionhq/bastion/pkg/http"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	whitelistHandler *handlers.WhitelistHandler,
	threatHandler *handlers.ThreatHandler,
	tokenManager *auth.TokenManager,
	db *database.DB,
	metrics *obs.Metrics,
) {
	// Operational endpoints - never rate limited
	router.Get("/health", healthHandler(db))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Public routes - no authentication required
	router.Post("/api/auth/login", authHandler.Login)
	router.Post("/api/auth/refresh", authHandler.Refresh)

	// Admin routes - access token with the admin role
	router.Route("/api/admin", func(r chi.Router) {
		r.Use(tokenManager.Middleware)
		r.Use(auth.RequireRole("admin"))

		r.Post("/whitelist", whitelistHandler.Add)
		r.Get("/whitelist", whitelistHandler.List)
		r.Delete("/whitelist/{id}", whitelistHandler.Remove)

		r.Get("/threats/identity/{identity}", threatHandler.AssessmentsForIdentity)
		r.Get("/threats/high-risk", threatHandler.HighRisk)
		r.Get("/threats/stats", threatHandler.Stats)
		r.Post("/threats/cache/clear", threatHandler.ClearReputationCache)

		r.Post("/accounts/lock", threatHandler.LockAccount)
		r.Post("/accounts/unlock", threatHandler.UnlockAccount)

		r.Get("/rate-limits/violations", threatHandler.RateLimitViolations)
		r.Post("/rate-limits/reset", threatHandler.ResetBucket)
	})
}

// healthHandler reports liveness and database reachability
func healthHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "unhealthy", "database unreachable")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
