package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/bastionhq/bastion/internal/models"
	pkghttp "github.com/bastionhq/bastion/pkg/http"
)

type contextKey string

const claimsContextKey contextKey = "token_claims"

// Middleware validates the Authorization bearer token and stores the claims
// in the request context.
func (tm *TokenManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			pkghttp.WriteUnauthorized(w, "missing or malformed authorization header")
			return
		}

		claims, err := tm.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil || claims.Type != "access" {
			pkghttp.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route on the authenticated role. Must run inside
// Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}
			if claims.Role != role {
				pkghttp.WriteForbidden(w, "insufficient privileges")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextWithClaims stores claims the way Middleware does. Used when a
// request is built outside the middleware chain.
func ContextWithClaims(ctx context.Context, claims *models.TokenClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the token claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*models.TokenClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*models.TokenClaims)
	return claims, ok
}
