package models

import "time"

// Session records where and from what device an identity last logged in.
// Sessions are the baseline for location-anomaly and new-device scoring.
type Session struct {
	ID                string    `db:"id"`
	Identity          string    `db:"identity"`
	IPAddress         string    `db:"ip_address"`
	CountryCode       string    `db:"country_code"`
	City              string    `db:"city"`
	DeviceFingerprint string    `db:"device_fingerprint"`
	UserAgent         string    `db:"user_agent"`
	CreatedAt         time.Time `db:"created_at"`
	LastSeenAt        time.Time `db:"last_seen_at"`
}
