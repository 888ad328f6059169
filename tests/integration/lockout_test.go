package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/lockout"
	"github.com/bastionhq/bastion/internal/models"
)

func TestLockoutFlowAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB, err := SetupTestDatabase(ctx)
	require.NoError(t, err)
	defer testDB.Teardown(ctx)

	accountRepo, attemptRepo, _, _, _, _ := InitializeRepositories(testDB.DB)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	tracker := lockout.NewTracker(attemptRepo, accountRepo, config.LockoutConfig{
		MaxFailedAttempts:   3,
		LockoutDuration:     30 * time.Minute,
		SlidingWindow:       15 * time.Minute,
		IPMaxFailedAttempts: 10,
		AttemptRetention:    90 * 24 * time.Hour,
	}, logger)

	_, err = CreateTestAccount(ctx, accountRepo, "alice", "alice@example.com", "Str0ng!Passw0rd")
	require.NoError(t, err)

	// Two failures stay below the threshold
	for i := 0; i < 2; i++ {
		locked, err := tracker.RecordAttempt(ctx, "alice", "203.0.113.5", "test-agent", false, "invalid_credentials")
		require.NoError(t, err)
		assert.False(t, locked)
	}

	// Third failure within the window trips the lock
	locked, err := tracker.RecordAttempt(ctx, "alice", "203.0.113.5", "test-agent", false, "invalid_credentials")
	require.NoError(t, err)
	assert.True(t, locked)

	reloaded, err := accountRepo.GetByIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, reloaded.IsLocked)
	require.NotNil(t, reloaded.LockedUntil)
	assert.True(t, reloaded.LockedUntil.After(time.Now()))

	assert.ErrorIs(t, tracker.CheckAccess(ctx, reloaded), models.ErrAccountLocked)

	// Manual unlock restores access
	require.NoError(t, tracker.Unlock(ctx, "alice"))
	reloaded, err = accountRepo.GetByIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, reloaded.IsLocked)
	require.NoError(t, tracker.CheckAccess(ctx, reloaded))

	// Attempt history survives the unlock
	attempts, err := tracker.RecentAttempts(ctx, "alice", time.Hour)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}
