package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/bastionhq/bastion/internal/database"
	"github.com/bastionhq/bastion/internal/models"
)

// LoginAttemptRepository handles database operations for the append-only
// login attempt log.
type LoginAttemptRepository struct {
	db *database.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// Insert appends a login attempt
func (r *LoginAttemptRepository) Insert(ctx context.Context, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (id, identity, ip_address, user_agent, success, failure_reason, attempt_time, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		attempt.ID,
		attempt.Identity,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.Success,
		attempt.FailureReason,
		attempt.AttemptTime,
		attempt.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert login attempt: %w", database.MapPostgresError(err))
	}
	return nil
}

// CountFailedByIdentity returns the failed attempts for an identity since the given time
func (r *LoginAttemptRepository) CountFailedByIdentity(ctx context.Context, identity string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE identity = $1 AND success = false AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, identity, since).Scan(&count)
	return count, err
}

// CountFailedByIP returns the failed attempts from an address since the given time
func (r *LoginAttemptRepository) CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE ip_address = $1 AND success = false AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, ip, since).Scan(&count)
	return count, err
}

// RecentByIdentity returns an identity's attempts since the given time, newest first
func (r *LoginAttemptRepository) RecentByIdentity(ctx context.Context, identity string, since time.Time) ([]*models.LoginAttempt, error) {
	query := `
		SELECT id, identity, ip_address, user_agent, success, failure_reason, attempt_time, expires_at
		FROM login_attempts
		WHERE identity = $1 AND attempt_time >= $2
		ORDER BY attempt_time DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, identity, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query login attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*models.LoginAttempt, 0)
	for rows.Next() {
		var a models.LoginAttempt
		err := rows.Scan(&a.ID, &a.Identity, &a.IPAddress, &a.UserAgent, &a.Success, &a.FailureReason, &a.AttemptTime, &a.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login attempt rows: %w", err)
	}
	return attempts, nil
}

// DeleteExpired removes attempts past their retention timestamp
func (r *LoginAttemptRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM login_attempts WHERE expires_at <= $1`

	result, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired login attempts: %w", err)
	}
	return result.RowsAffected(), nil
}
