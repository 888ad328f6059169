package lockout

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/models"
)

type fakeAttemptRepo struct {
	attempts  []*models.LoginAttempt
	insertErr error
	countErr  error
}

func (r *fakeAttemptRepo) Insert(_ context.Context, attempt *models.LoginAttempt) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *fakeAttemptRepo) CountFailedByIdentity(_ context.Context, identity string, since time.Time) (int, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	n := 0
	for _, a := range r.attempts {
		if a.Identity == identity && !a.Success && !a.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeAttemptRepo) CountFailedByIP(_ context.Context, ip string, since time.Time) (int, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	n := 0
	for _, a := range r.attempts {
		if a.IPAddress == ip && !a.Success && !a.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeAttemptRepo) RecentByIdentity(_ context.Context, identity string, since time.Time) ([]*models.LoginAttempt, error) {
	var out []*models.LoginAttempt
	for _, a := range r.attempts {
		if a.Identity == identity && !a.AttemptTime.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAttemptRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var kept []*models.LoginAttempt
	var n int64
	for _, a := range r.attempts {
		if now.After(a.ExpiresAt) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	r.attempts = kept
	return n, nil
}

type fakeAccountRepo struct {
	locks   map[string]time.Time
	reasons map[string]string
	lockErr error
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{locks: make(map[string]time.Time), reasons: make(map[string]string)}
}

func (r *fakeAccountRepo) SetLock(_ context.Context, identity string, until time.Time, reason string) error {
	if r.lockErr != nil {
		return r.lockErr
	}
	r.locks[identity] = until
	r.reasons[identity] = reason
	return nil
}

func (r *fakeAccountRepo) ClearLock(_ context.Context, identity string) error {
	delete(r.locks, identity)
	delete(r.reasons, identity)
	return nil
}

func (r *fakeAccountRepo) ClearExpiredLocks(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for identity, until := range r.locks {
		if now.After(until) {
			delete(r.locks, identity)
			delete(r.reasons, identity)
			n++
		}
	}
	return n, nil
}

func testLockoutConfig() config.LockoutConfig {
	return config.LockoutConfig{
		MaxFailedAttempts:   5,
		LockoutDuration:     30 * time.Minute,
		SlidingWindow:       15 * time.Minute,
		IPMaxFailedAttempts: 10,
		AttemptRetention:    90 * 24 * time.Hour,
	}
}

func newTestTracker(t *testing.T) (*Tracker, *fakeAttemptRepo, *fakeAccountRepo, *time.Time) {
	t.Helper()
	attempts := &fakeAttemptRepo{}
	accounts := newFakeAccountRepo()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	tracker := NewTracker(attempts, accounts, testLockoutConfig(), logger)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return current }
	return tracker, attempts, accounts, &current
}

func recordFailures(t *testing.T, tracker *Tracker, identity, ip string, n int) bool {
	t.Helper()
	locked := false
	for i := 0; i < n; i++ {
		l, err := tracker.RecordAttempt(context.Background(), identity, ip, "test-agent", false, "invalid credentials")
		require.NoError(t, err)
		locked = locked || l
	}
	return locked
}

func TestRecordAttemptLocksAtThreshold(t *testing.T) {
	tracker, _, accounts, _ := newTestTracker(t)

	locked := recordFailures(t, tracker, "alice", "203.0.113.5", 4)
	assert.False(t, locked)
	assert.Empty(t, accounts.locks)

	l, err := tracker.RecordAttempt(context.Background(), "alice", "203.0.113.5", "test-agent", false, "invalid credentials")
	require.NoError(t, err)
	assert.True(t, l, "fifth failure must lock")
	assert.Contains(t, accounts.locks, "alice")
	assert.Contains(t, accounts.reasons["alice"], "5 failed login attempts")
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	tracker, _, accounts, current := newTestTracker(t)

	recordFailures(t, tracker, "alice", "203.0.113.5", 4)

	*current = current.Add(16 * time.Minute)
	locked := recordFailures(t, tracker, "alice", "203.0.113.5", 1)
	assert.False(t, locked, "old failures aged out of the window")
	assert.Empty(t, accounts.locks)
}

func TestSuccessDoesNotClearFailureHistory(t *testing.T) {
	tracker, _, accounts, _ := newTestTracker(t)
	ctx := context.Background()

	recordFailures(t, tracker, "alice", "203.0.113.5", 4)

	_, err := tracker.RecordAttempt(ctx, "alice", "203.0.113.5", "test-agent", true, "")
	require.NoError(t, err)

	locked := recordFailures(t, tracker, "alice", "203.0.113.5", 1)
	assert.True(t, locked, "prior failures still count after a success")
	assert.Contains(t, accounts.locks, "alice")
}

func TestRecordAttemptFailsClosedOnInsertError(t *testing.T) {
	tracker, attempts, _, _ := newTestTracker(t)
	attempts.insertErr = errors.New("connection refused")

	_, err := tracker.RecordAttempt(context.Background(), "alice", "203.0.113.5", "test-agent", false, "invalid credentials")
	assert.Error(t, err, "a lost attempt must surface, never be swallowed")
}

func TestIsIPBlocked(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	// Nine distinct identities failing from one address.
	for i := 0; i < 9; i++ {
		_, err := tracker.RecordAttempt(ctx, string(rune('a'+i)), "203.0.113.5", "test-agent", false, "invalid credentials")
		require.NoError(t, err)
	}
	blocked, err := tracker.IsIPBlocked(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = tracker.RecordAttempt(ctx, "j", "203.0.113.5", "test-agent", false, "invalid credentials")
	require.NoError(t, err)
	blocked, err = tracker.IsIPBlocked(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = tracker.IsIPBlocked(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, blocked, "other addresses are unaffected")
}

func TestCheckAccessAutoUnlocksExpiredLock(t *testing.T) {
	tracker, _, accounts, current := newTestTracker(t)
	ctx := context.Background()

	until := current.Add(30 * time.Minute)
	reason := "5 failed login attempts"
	account := &models.Account{Username: "alice", IsLocked: true, LockedUntil: &until, LockReason: &reason}
	accounts.locks["alice"] = until

	assert.ErrorIs(t, tracker.CheckAccess(ctx, account), models.ErrAccountLocked)

	*current = current.Add(31 * time.Minute)
	require.NoError(t, tracker.CheckAccess(ctx, account))
	assert.False(t, account.IsLocked)
	assert.Nil(t, account.LockedUntil)
	assert.NotContains(t, accounts.locks, "alice")
}

func TestManualLockAndUnlock(t *testing.T) {
	tracker, _, accounts, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Lock(ctx, "alice", time.Hour, "critical risk score"))
	assert.Contains(t, accounts.locks, "alice")
	assert.Equal(t, "critical risk score", accounts.reasons["alice"])

	require.NoError(t, tracker.Unlock(ctx, "alice"))
	assert.NotContains(t, accounts.locks, "alice")
}

func TestSweepExpired(t *testing.T) {
	tracker, attempts, accounts, current := newTestTracker(t)
	ctx := context.Background()

	recordFailures(t, tracker, "alice", "203.0.113.5", 2)
	accounts.locks["bob"] = current.Add(-time.Minute)

	*current = current.Add(91 * 24 * time.Hour)
	prunedAttempts, clearedLocks, err := tracker.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), prunedAttempts)
	assert.Equal(t, int64(1), clearedLocks)
	assert.Empty(t, attempts.attempts)
}
