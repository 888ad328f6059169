package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/bastionhq/bastion/internal/database"
	"github.com/bastionhq/bastion/internal/models"
)

// SessionRepository handles session history data access. Sessions are the
// baseline for location-anomaly and new-device scoring.
type SessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Record upserts a session keyed by identity and device fingerprint. A
// returning device bumps last_seen_at instead of growing the table.
func (r *SessionRepository) Record(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (id, identity, ip_address, country_code, city, device_fingerprint, user_agent, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP)
		ON CONFLICT (identity, device_fingerprint)
		DO UPDATE SET ip_address = EXCLUDED.ip_address,
		              country_code = EXCLUDED.country_code,
		              city = EXCLUDED.city,
		              user_agent = EXCLUDED.user_agent,
		              last_seen_at = CURRENT_TIMESTAMP
	`

	_, err := r.db.Pool.Exec(ctx, query,
		session.ID, session.Identity, session.IPAddress, session.CountryCode,
		session.City, session.DeviceFingerprint, session.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", database.MapPostgresError(err))
	}
	return nil
}

// RecentByIdentity returns an identity's sessions seen since the given time
func (r *SessionRepository) RecentByIdentity(ctx context.Context, identity string, since time.Time) ([]*models.Session, error) {
	query := `
		SELECT id, identity, ip_address, country_code, city, device_fingerprint, user_agent, created_at, last_seen_at
		FROM sessions
		WHERE identity = $1 AND last_seen_at >= $2
		ORDER BY last_seen_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, identity, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		var s models.Session
		err := rows.Scan(&s.ID, &s.Identity, &s.IPAddress, &s.CountryCode, &s.City, &s.DeviceFingerprint, &s.UserAgent, &s.CreatedAt, &s.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// DeleteStale removes sessions not seen since the given time
func (r *SessionRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE last_seen_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}
	return result.RowsAffected(), nil
}
