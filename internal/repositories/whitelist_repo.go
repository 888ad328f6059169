package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/database"
	"github.com/bastionhq/bastion/internal/models"
)

// WhitelistRepository handles whitelist entry data access. Entries are
// deactivated, never deleted.
type WhitelistRepository struct {
	db *database.DB
}

// NewWhitelistRepository creates a new WhitelistRepository
func NewWhitelistRepository(db *database.DB) *WhitelistRepository {
	return &WhitelistRepository{db: db}
}

// Insert creates a new whitelist entry
func (r *WhitelistRepository) Insert(ctx context.Context, entry *models.WhitelistEntry) error {
	query := `
		INSERT INTO whitelist_entries (id, subject_type, subject_value, reason, created_by, active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		entry.ID, entry.SubjectType, entry.SubjectValue,
		entry.Reason, entry.CreatedBy, entry.Active, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert whitelist entry: %w", database.MapPostgresError(err))
	}
	return nil
}

// Deactivate marks an entry inactive
func (r *WhitelistRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE whitelist_entries
		SET active = false, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND active = true
	`

	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate whitelist entry: %w", database.MapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListActive returns entries that are active and not expired as of now
func (r *WhitelistRepository) ListActive(ctx context.Context, now time.Time) ([]*models.WhitelistEntry, error) {
	query := `
		SELECT id, subject_type, subject_value, reason, created_by, active, expires_at, created_at, updated_at
		FROM whitelist_entries
		WHERE active = true AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.WhitelistEntry, 0)
	for rows.Next() {
		var e models.WhitelistEntry
		err := rows.Scan(&e.ID, &e.SubjectType, &e.SubjectValue, &e.Reason, &e.CreatedBy, &e.Active, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating whitelist rows: %w", err)
	}
	return entries, nil
}

// DeactivateExpired marks expired entries inactive
func (r *WhitelistRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE whitelist_entries
		SET active = false, updated_at = CURRENT_TIMESTAMP
		WHERE active = true AND expires_at IS NOT NULL AND expires_at <= $1
	`

	result, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired whitelist entries: %w", err)
	}
	return result.RowsAffected(), nil
}
