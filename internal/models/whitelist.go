package models

import (
	"time"

	"github.com/google/uuid"
)

// Whitelist subject types
const (
	WhitelistSubjectIP       = "ip"
	WhitelistSubjectIdentity = "identity"
)

// WhitelistEntry exempts an IP or identity from rate limiting and threat
// scoring. Entries are deactivated on removal, never deleted, so the history
// of who was exempted and why survives.
type WhitelistEntry struct {
	ID           uuid.UUID  `db:"id"`
	SubjectType  string     `db:"subject_type"`
	SubjectValue string     `db:"subject_value"`
	Reason       string     `db:"reason"`
	CreatedBy    string     `db:"created_by"`
	Active       bool       `db:"active"`
	ExpiresAt    *time.Time `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// Expired reports whether the entry has an expiry in the past. Expired
// entries are treated as inactive even before the sweep deactivates them.
func (e *WhitelistEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}
