package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Risk levels
const (
	RiskLevelLow      = "LOW"
	RiskLevelMedium   = "MEDIUM"
	RiskLevelHigh     = "HIGH"
	RiskLevelCritical = "CRITICAL"
)

// Actions taken after an assessment
const (
	ActionAllowed       = "ALLOWED"
	ActionFlagged       = "FLAGGED"
	ActionBlocked       = "BLOCKED"
	ActionAccountLocked = "ACCOUNT_LOCKED"
)

// ThreatAssessment is the immutable outcome of scoring one successful login.
type ThreatAssessment struct {
	ID                uuid.UUID   `db:"id"`
	Identity          string      `db:"identity"`
	IPAddress         string      `db:"ip_address"`
	RiskScore         int         `db:"risk_score"`
	RiskLevel         string      `db:"risk_level"`
	Factors           RiskFactors `db:"factors"`
	Action            string      `db:"action"`
	DeviceFingerprint string      `db:"device_fingerprint"`
	CountryCode       string      `db:"country_code"`
	City              string      `db:"city"`
	IsVPN             bool        `db:"is_vpn"`
	IsProxy           bool        `db:"is_proxy"`
	IsTor             bool        `db:"is_tor"`
	ReputationScore   int         `db:"reputation_score"`
	AssessedAt        time.Time   `db:"assessed_at"`
}

// RiskFactors holds the individual inputs that produced a risk score
type RiskFactors map[string]any

// Scan implements sql.Scanner for JSONB
func (rf *RiskFactors) Scan(value any) error {
	if value == nil {
		*rf = make(RiskFactors)
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
	*rf = m
	return nil
}

// Value implements driver.Valuer for JSONB
func (rf RiskFactors) Value() (driver.Value, error) {
	if rf == nil {
		return json.Marshal(map[string]any{})
	}
	return json.Marshal(map[string]any(rf))
}
