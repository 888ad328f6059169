package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountDisabled = errors.New("account is disabled")
	ErrAccountLocked   = errors.New("account is temporarily locked")

	// Abuse-protection errors
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrIPBlocked           = errors.New("too many failed attempts from this address")
	ErrProviderUnavailable = errors.New("reputation provider unavailable")
)
