package models

import "time"

// Account represents a protected login identity. The lock fields embed the
// account lock state machine: LockedUntil and LockReason are set iff IsLocked
// is true.
type Account struct {
	ID           string     `db:"id"`
	Username     string     `db:"username"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	Role         string     `db:"role"` // "user", "admin"
	Status       string     `db:"status"`
	IsLocked     bool       `db:"is_locked"`
	LockedUntil  *time.Time `db:"locked_until"`
	LockReason   *string    `db:"lock_reason"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// LockExpired reports whether a temporary lock has run out.
func (a *Account) LockExpired(now time.Time) bool {
	return a.IsLocked && a.LockedUntil != nil && now.After(*a.LockedUntil)
}
