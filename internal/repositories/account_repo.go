package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/bastionhq/bastion/internal/database"
	"github.com/bastionhq/bastion/internal/models"
)

// AccountRepository handles account data access, including the lock state
// the lockout tracker drives.
type AccountRepository struct {
	db *database.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func scanAccountRow(row rowScanner) (*models.Account, error) {
	var a models.Account

	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Role, &a.Status,
		&a.IsLocked, &a.LockedUntil, &a.LockReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &a, nil
}

// GetByIdentity retrieves an account by username or email
func (r *AccountRepository) GetByIdentity(ctx context.Context, identity string) (*models.Account, error) {
	query := `
		SELECT id, username, email, password_hash, role, status,
		       is_locked, locked_until, lock_reason, created_at, updated_at
		FROM accounts
		WHERE username = $1 OR email = $1
	`

	account, err := scanAccountRow(r.db.Pool.QueryRow(ctx, query, identity))
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Create inserts a new account
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, username, email, password_hash, role, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		account.ID, account.Username, account.Email,
		account.PasswordHash, account.Role, account.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", database.MapPostgresError(err))
	}
	return nil
}

// SetLock marks an account locked until the given time
func (r *AccountRepository) SetLock(ctx context.Context, identity string, until time.Time, reason string) error {
	query := `
		UPDATE accounts
		SET is_locked = true, locked_until = $2, lock_reason = $3, updated_at = CURRENT_TIMESTAMP
		WHERE username = $1 OR email = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, identity, until, reason)
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", database.MapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClearLock lifts an account lock
func (r *AccountRepository) ClearLock(ctx context.Context, identity string) error {
	query := `
		UPDATE accounts
		SET is_locked = false, locked_until = NULL, lock_reason = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE username = $1 OR email = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, identity)
	if err != nil {
		return fmt.Errorf("failed to unlock account: %w", database.MapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClearExpiredLocks lifts every lock whose window has passed
func (r *AccountRepository) ClearExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE accounts
		SET is_locked = false, locked_until = NULL, lock_reason = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE is_locked = true AND locked_until IS NOT NULL AND locked_until <= $1
	`

	result, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired locks: %w", err)
	}
	return result.RowsAffected(), nil
}
