package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	internalauth "github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/models"
	"github.com/bastionhq/bastion/internal/services"
	pkghttp "github.com/bastionhq/bastion/pkg/http"
)

// TokenValidator parses and verifies a bearer token.
type TokenValidator interface {
	ValidateToken(token string) (*models.TokenClaims, error)
}

// skipPaths are never rate limited: probes and scrapes must not consume
// request budget.
var skipPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RateLimit runs the admission pipeline on every request. The bucket is
// keyed by the authenticated identity when present, by client IP otherwise.
// Admission runs ahead of the auth middleware, so the identity is resolved
// from the bearer token here; a bad token just falls back to IP keying and
// is rejected later on protected routes.
func RateLimit(protection *services.ProtectionService, tokens TokenValidator, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip := pkghttp.ExtractClientIP(r, ipConfig)
			identity := resolveIdentity(r, tokens)

			decision := protection.Admit(r.Context(), ip, identity, r.URL.Path)
			if !decision.Allowed {
				pkghttp.WriteRateLimited(w, decision.Remaining)
				return
			}

			if !decision.Whitelisted {
				w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(decision.Remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func resolveIdentity(r *http.Request, tokens TokenValidator) string {
	if claims, ok := internalauth.ClaimsFromContext(r.Context()); ok {
		return claims.Identity
	}

	if tokens == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	claims, err := tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil || claims.Type != "access" {
		return ""
	}
	return claims.Identity
}

// GlobalThrottle is a coarse per-IP backstop in front of the bucket
// pipeline, catching floods before they reach any handler.
func GlobalThrottle(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
