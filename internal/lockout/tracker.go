package lockout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/models"
)

// AttemptRepository is the append-only login attempt log.
type AttemptRepository interface {
	Insert(ctx context.Context, attempt *models.LoginAttempt) error
	CountFailedByIdentity(ctx context.Context, identity string, since time.Time) (int, error)
	CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error)
	RecentByIdentity(ctx context.Context, identity string, since time.Time) ([]*models.LoginAttempt, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AccountRepository covers the lock state the tracker manages.
type AccountRepository interface {
	SetLock(ctx context.Context, identity string, until time.Time, reason string) error
	ClearLock(ctx context.Context, identity string) error
	ClearExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// Tracker maintains the brute-force lockout state machine: every attempt is
// appended to the log, failed counts are computed over a sliding window, and
// crossing the identity threshold locks the account. Recording is
// fail-closed: if the log cannot be written the attempt errors out rather
// than letting an attacker slip past the counters.
type Tracker struct {
	attempts AttemptRepository
	accounts AccountRepository
	cfg      config.LockoutConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewTracker(attempts AttemptRepository, accounts AccountRepository, cfg config.LockoutConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		attempts: attempts,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordAttempt appends the attempt and, on failure, checks the identity
// window. It returns true when this attempt pushed the identity over the
// threshold and locked the account. Successful attempts do not clear prior
// failures; those age out of the window on their own.
func (t *Tracker) RecordAttempt(ctx context.Context, identity, ip, userAgent string, success bool, failureReason string) (bool, error) {
	now := t.now()
	attempt := &models.LoginAttempt{
		ID:          uuid.NewString(),
		Identity:    identity,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Success:     success,
		AttemptTime: now,
		ExpiresAt:   now.Add(t.cfg.AttemptRetention),
	}
	if !success && failureReason != "" {
		attempt.FailureReason = &failureReason
	}

	if err := t.attempts.Insert(ctx, attempt); err != nil {
		return false, fmt.Errorf("failed to record login attempt: %w", err)
	}

	if success {
		return false, nil
	}

	failed, err := t.attempts.CountFailedByIdentity(ctx, identity, now.Add(-t.cfg.SlidingWindow))
	if err != nil {
		return false, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	if failed < t.cfg.MaxFailedAttempts {
		return false, nil
	}

	until := now.Add(t.cfg.LockoutDuration)
	reason := fmt.Sprintf("%d failed login attempts within %s", failed, t.cfg.SlidingWindow)
	if err := t.accounts.SetLock(ctx, identity, until, reason); err != nil {
		return false, fmt.Errorf("failed to lock account: %w", err)
	}

	t.logger.Warn("account locked after repeated failures",
		slog.String("identity", identity),
		slog.String("ip_address", ip),
		slog.Int("failed_attempts", failed),
		slog.Time("locked_until", until))
	return true, nil
}

// FailedCountByIdentity returns the failed attempts for an identity inside
// the sliding window.
func (t *Tracker) FailedCountByIdentity(ctx context.Context, identity string) (int, error) {
	return t.attempts.CountFailedByIdentity(ctx, identity, t.now().Add(-t.cfg.SlidingWindow))
}

// FailedCountByIP returns the failed attempts from an address inside the
// sliding window.
func (t *Tracker) FailedCountByIP(ctx context.Context, ip string) (int, error) {
	return t.attempts.CountFailedByIP(ctx, ip, t.now().Add(-t.cfg.SlidingWindow))
}

// IsIPBlocked reports whether an address has crossed its own failure
// threshold. IP blocking is advisory and never locks an account by itself.
func (t *Tracker) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	failed, err := t.FailedCountByIP(ctx, ip)
	if err != nil {
		return false, err
	}
	return failed >= t.cfg.IPMaxFailedAttempts, nil
}

// CheckAccess gates a login attempt on the account's lock state. An expired
// lock is cleared in place (check-on-access auto-unlock); an active lock
// returns ErrAccountLocked.
func (t *Tracker) CheckAccess(ctx context.Context, account *models.Account) error {
	if !account.IsLocked {
		return nil
	}

	if account.LockExpired(t.now()) {
		if err := t.accounts.ClearLock(ctx, account.Username); err != nil {
			return fmt.Errorf("failed to clear expired lock: %w", err)
		}
		account.IsLocked = false
		account.LockedUntil = nil
		account.LockReason = nil

		t.logger.Info("expired account lock cleared", slog.String("identity", account.Username))
		return nil
	}

	return models.ErrAccountLocked
}

// Lock applies a manual lock, used by admin tooling and the threat scorer's
// critical action.
func (t *Tracker) Lock(ctx context.Context, identity string, duration time.Duration, reason string) error {
	until := t.now().Add(duration)
	if err := t.accounts.SetLock(ctx, identity, until, reason); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	t.logger.Warn("account locked",
		slog.String("identity", identity),
		slog.String("reason", reason),
		slog.Time("locked_until", until))
	return nil
}

// Unlock lifts a lock immediately.
func (t *Tracker) Unlock(ctx context.Context, identity string) error {
	if err := t.accounts.ClearLock(ctx, identity); err != nil {
		return fmt.Errorf("failed to unlock account: %w", err)
	}

	t.logger.Info("account unlocked", slog.String("identity", identity))
	return nil
}

// RecentAttempts returns the identity's attempts over the given lookback,
// newest first. Feeds the threat scorer's failed-login factor.
func (t *Tracker) RecentAttempts(ctx context.Context, identity string, lookback time.Duration) ([]*models.LoginAttempt, error) {
	return t.attempts.RecentByIdentity(ctx, identity, t.now().Add(-lookback))
}

// SweepExpired prunes attempts past retention and clears locks whose window
// has run out. Called by the background cleanup task.
func (t *Tracker) SweepExpired(ctx context.Context) (attempts int64, locks int64, err error) {
	now := t.now()

	attempts, err = t.attempts.DeleteExpired(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prune login attempts: %w", err)
	}

	locks, err = t.accounts.ClearExpiredLocks(ctx, now)
	if err != nil {
		return attempts, 0, fmt.Errorf("failed to clear expired locks: %w", err)
	}
	return attempts, locks, nil
}
