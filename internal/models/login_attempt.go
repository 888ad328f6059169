package models

import "time"

// LoginAttempt represents a single login attempt. Attempts are append-only;
// sliding-window counts are computed from them, never stored.
type LoginAttempt struct {
	ID            string    `db:"id"`
	Identity      string    `db:"identity"`
	IPAddress     string    `db:"ip_address"`
	UserAgent     string    `db:"user_agent"`
	Success       bool      `db:"success"`
	FailureReason *string   `db:"failure_reason"`
	AttemptTime   time.Time `db:"attempt_time"`
	ExpiresAt     time.Time `db:"expires_at"`
}
