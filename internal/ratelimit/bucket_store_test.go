package ratelimit

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:    true,
		FailOpen:   true,
		MaxBuckets: 1000,
		Auth: config.BucketConfig{
			Capacity:       5,
			RefillTokens:   5,
			RefillInterval: 60 * time.Second,
		},
		MFA: config.BucketConfig{
			Capacity:       5,
			RefillTokens:   5,
			RefillInterval: 300 * time.Second,
		},
		API: config.BucketConfig{
			Capacity:       1000,
			RefillTokens:   1000,
			RefillInterval: 60 * time.Second,
		},
		General: config.BucketConfig{
			Capacity:       100,
			RefillTokens:   100,
			RefillInterval: 60 * time.Second,
		},
	}
}

func newTestStore(t *testing.T) (*BucketStore, *time.Time) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := NewBucketStore(testConfig(), logger)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	return store, &current
}

func TestTryConsumeExhaustsCapacity(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 4; i >= 0; i-- {
		allowed, remaining := store.TryConsume("203.0.113.5", CategoryAuth)
		assert.True(t, allowed)
		assert.Equal(t, i, remaining)
	}

	allowed, remaining := store.TryConsume("203.0.113.5", CategoryAuth)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestTryConsumeRefillsAfterInterval(t *testing.T) {
	store, current := newTestStore(t)

	for i := 0; i < 5; i++ {
		store.TryConsume("u1", CategoryAuth)
	}
	allowed, _ := store.TryConsume("u1", CategoryAuth)
	require.False(t, allowed)

	// Partial interval grants nothing.
	*current = current.Add(30 * time.Second)
	allowed, _ = store.TryConsume("u1", CategoryAuth)
	assert.False(t, allowed)

	// Full interval refills up to capacity.
	*current = current.Add(31 * time.Second)
	allowed, remaining := store.TryConsume("u1", CategoryAuth)
	assert.True(t, allowed)
	assert.Equal(t, 4, remaining)
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	store, current := newTestStore(t)

	store.TryConsume("u1", CategoryAuth)

	// Many intervals pass; tokens must cap at capacity, not accumulate.
	*current = current.Add(time.Hour)
	remaining := store.RemainingTokens("u1", CategoryAuth)
	assert.Equal(t, 5, remaining)
}

func TestBucketsAreIndependentPerKeyAndCategory(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		store.TryConsume("u1", CategoryAuth)
	}
	allowed, _ := store.TryConsume("u1", CategoryAuth)
	require.False(t, allowed)

	allowed, _ = store.TryConsume("u2", CategoryAuth)
	assert.True(t, allowed, "other keys must not be affected")

	allowed, _ = store.TryConsume("u1", CategoryAPI)
	assert.True(t, allowed, "other categories must not be affected")
}

func TestResetRestoresFullBucket(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		store.TryConsume("u1", CategoryAuth)
	}
	store.Reset("u1", CategoryAuth)

	allowed, remaining := store.TryConsume("u1", CategoryAuth)
	assert.True(t, allowed)
	assert.Equal(t, 4, remaining)
}

func TestUnknownCategoryFailsOpen(t *testing.T) {
	store, _ := newTestStore(t)

	allowed, _ := store.TryConsume("u1", Category("BOGUS"))
	assert.True(t, allowed)

	store.cfg.FailOpen = false
	allowed, _ = store.TryConsume("u1", Category("BOGUS"))
	assert.False(t, allowed)
}

func TestMaxBucketsEviction(t *testing.T) {
	store, _ := newTestStore(t)
	store.cfg.MaxBuckets = 10

	for i := 0; i < 25; i++ {
		key := string(rune('a' + i))
		store.TryConsume(key, CategoryGeneral)
	}

	assert.LessOrEqual(t, store.Len(), 11, "store must stay bounded")
}

func TestEvictIdleRemovesStaleBuckets(t *testing.T) {
	store, current := newTestStore(t)

	store.TryConsume("old", CategoryGeneral)
	*current = current.Add(time.Hour)
	store.TryConsume("fresh", CategoryGeneral)

	removed := store.EvictIdle(30 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestConcurrentConsumeNeverDoubleSpends(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := testConfig()
	cfg.General.Capacity = 50
	cfg.General.RefillTokens = 50
	store := NewBucketStore(cfg, logger)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.TryConsume("shared", CategoryGeneral); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, admitted, "exactly capacity requests may pass")
}
