package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bastionhq/bastion/internal/database"
	"github.com/bastionhq/bastion/internal/models"
)

// ThreatAssessmentRepository handles threat assessment data access
type ThreatAssessmentRepository struct {
	db *database.DB
}

// NewThreatAssessmentRepository creates a new ThreatAssessmentRepository
func NewThreatAssessmentRepository(db *database.DB) *ThreatAssessmentRepository {
	return &ThreatAssessmentRepository{db: db}
}

func scanAssessmentRow(row rowScanner) (*models.ThreatAssessment, error) {
	var a models.ThreatAssessment

	err := row.Scan(
		&a.ID, &a.Identity, &a.IPAddress, &a.RiskScore, &a.RiskLevel, &a.Factors,
		&a.Action, &a.DeviceFingerprint, &a.CountryCode, &a.City,
		&a.IsVPN, &a.IsProxy, &a.IsTor, &a.ReputationScore, &a.AssessedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &a, nil
}

func scanAssessmentRows(rows pgx.Rows) ([]*models.ThreatAssessment, error) {
	defer rows.Close()

	assessments := make([]*models.ThreatAssessment, 0)

	for rows.Next() {
		a, err := scanAssessmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threat assessment: %w", err)
		}
		assessments = append(assessments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assessment rows: %w", err)
	}

	return assessments, nil
}

const assessmentColumns = `id, identity, ip_address, risk_score, risk_level, factors,
	       action, device_fingerprint, country_code, city,
	       is_vpn, is_proxy, is_tor, reputation_score, assessed_at`

// Insert stores an assessment
func (r *ThreatAssessmentRepository) Insert(ctx context.Context, a *models.ThreatAssessment) error {
	query := `
		INSERT INTO threat_assessments (
			identity, ip_address, risk_score, risk_level, factors,
			action, device_fingerprint, country_code, city,
			is_vpn, is_proxy, is_tor, reputation_score, assessed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		a.Identity, a.IPAddress, a.RiskScore, a.RiskLevel, a.Factors,
		a.Action, a.DeviceFingerprint, a.CountryCode, a.City,
		a.IsVPN, a.IsProxy, a.IsTor, a.ReputationScore, a.AssessedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert threat assessment: %w", database.MapPostgresError(err))
	}
	return nil
}

// ListByIdentity returns an identity's assessments, newest first
func (r *ThreatAssessmentRepository) ListByIdentity(ctx context.Context, identity string, limit int, offset int) ([]*models.ThreatAssessment, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM threat_assessments
		WHERE identity = $1
		ORDER BY assessed_at DESC
		LIMIT $2 OFFSET $3
	`, assessmentColumns)

	rows, err := r.db.Pool.Query(ctx, query, identity, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query threat assessments: %w", err)
	}

	return scanAssessmentRows(rows)
}

// ListHighRisk returns assessments at or above the given score, newest first
func (r *ThreatAssessmentRepository) ListHighRisk(ctx context.Context, minScore int, limit int, offset int) ([]*models.ThreatAssessment, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM threat_assessments
		WHERE risk_score >= $1
		ORDER BY assessed_at DESC
		LIMIT $2 OFFSET $3
	`, assessmentColumns)

	rows, err := r.db.Pool.Query(ctx, query, minScore, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query high-risk assessments: %w", err)
	}

	return scanAssessmentRows(rows)
}

// CountByRiskLevel returns assessment counts grouped by risk level
func (r *ThreatAssessmentRepository) CountByRiskLevel(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT risk_level, COUNT(*)
		FROM threat_assessments
		GROUP BY risk_level
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count assessments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("failed to scan assessment count: %w", err)
		}
		counts[level] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assessment counts: %w", err)
	}
	return counts, nil
}
