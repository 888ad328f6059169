package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for audit logging
const (
	AuditEventTypeLogin           = "login"
	AuditEventTypeAccountLocked   = "account_locked"
	AuditEventTypeAccountUnlocked = "account_unlocked"
	AuditEventTypeRateLimited     = "rate_limited"
	AuditEventTypeHighRiskLogin   = "high_risk_login"
	AuditEventTypeWhitelistChange = "whitelist_change"
	AuditEventTypeIPBlocked       = "ip_blocked"
)

type AuditLog struct {
	ID            uuid.UUID     `db:"id"`
	EventType     string        `db:"event_type"`
	Identity      *string       `db:"identity"`
	Action        string        `db:"action"`
	Success       bool          `db:"success"`
	FailureReason *string       `db:"failure_reason"`
	IPAddress     *string       `db:"ip_address"`
	UserAgent     *string       `db:"user_agent"`
	Metadata      AuditMetadata `db:"metadata"`
	CreatedAt     time.Time     `db:"created_at"`
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]any

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value any) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]any
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = m
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return json.Marshal(map[string]any{})
	}
	return json.Marshal(map[string]any(am))
}
