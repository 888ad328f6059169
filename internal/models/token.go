package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims are the JWT claims issued for authenticated identities.
// The abuse-protection middleware reads Identity to key rate limiting
// by identity instead of IP.
type TokenClaims struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}
