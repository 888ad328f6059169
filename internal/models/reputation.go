package models

import "time"

// ReputationRecord is a cached third-party assessment of an IP address.
// Records are immutable once stored; a refresh after expiry replaces the
// whole record (last writer wins).
type ReputationRecord struct {
	IPAddress   string
	Score       int // 0-100 abuse confidence
	IsMalicious bool
	IsVPN       bool
	IsProxy     bool
	IsTor       bool
	IsPrivate   bool
	CountryCode string
	City        string
	Latitude    float64
	Longitude   float64
	RawPayload  map[string]any
	FetchedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record's TTL has passed.
func (r *ReputationRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
