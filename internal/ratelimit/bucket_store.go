package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bastionhq/bastion/internal/config"
)

// Category selects which bucket configuration applies to a key.
type Category string

const (
	CategoryAuth    Category = "AUTH"
	CategoryMFA     Category = "MFA"
	CategoryAPI     Category = "API"
	CategoryGeneral Category = "GENERAL"
)

// bucket is a classic token bucket. Refill is interval-quantized: every full
// refill interval that has elapsed adds RefillTokens, capped at capacity.
// All mutation happens under the bucket's own lock so distinct keys never
// contend.
type bucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillSize int
	interval   time.Duration
	lastRefill time.Time
	lastAccess time.Time
}

func (b *bucket) tryConsume(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.lastAccess = now

	if b.tokens < 1 {
		return false, 0
	}
	b.tokens--
	return true, b.tokens
}

func (b *bucket) remaining(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.tokens
}

// refill must be called with b.mu held.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.interval {
		return
	}

	intervals := int(elapsed / b.interval)
	b.tokens += intervals * b.refillSize
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * b.interval)
}

// BucketStore holds one token bucket per (category, key). Buckets are created
// lazily on first use and bounded by MaxBuckets to keep memory finite when
// keys are attacker-controlled (IP spoofing).
type BucketStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     config.RateLimitConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewBucketStore creates a BucketStore with the given per-category limits.
func NewBucketStore(cfg config.RateLimitConfig, logger *slog.Logger) *BucketStore {
	return &BucketStore{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// TryConsume takes one token from the bucket for (category, key). It returns
// whether the request is admitted and how many tokens remain. Unknown
// categories resolve per the fail-open policy so a wiring mistake in a caller
// can never take down the request path.
func (s *BucketStore) TryConsume(key string, category Category) (bool, int) {
	b, err := s.resolve(key, category)
	if err != nil {
		s.logger.Error("bucket resolution failed",
			slog.String("key", key),
			slog.String("category", string(category)),
			slog.Any("error", err))
		return s.cfg.FailOpen, 0
	}
	return b.tryConsume(s.now())
}

// RemainingTokens reports the current token count without consuming.
func (s *BucketStore) RemainingTokens(key string, category Category) int {
	b, err := s.resolve(key, category)
	if err != nil {
		return 0
	}
	return b.remaining(s.now())
}

// Reset drops the bucket for (category, key); the next request recreates it
// full. Used by admin tooling after lifting a block.
func (s *BucketStore) Reset(key string, category Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, string(category)+":"+key)
}

// Len returns the number of live buckets.
func (s *BucketStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *BucketStore) resolve(key string, category Category) (*bucket, error) {
	cacheKey := string(category) + ":" + key

	s.mu.RLock()
	b, ok := s.buckets[cacheKey]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}

	bc, err := s.categoryConfig(category)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check: another goroutine may have created it between the locks.
	if b, ok := s.buckets[cacheKey]; ok {
		return b, nil
	}

	if s.cfg.MaxBuckets > 0 && len(s.buckets) >= s.cfg.MaxBuckets {
		s.evictLocked()
	}

	now := s.now()
	b = &bucket{
		capacity:   bc.Capacity,
		tokens:     bc.Capacity,
		refillSize: bc.RefillTokens,
		interval:   bc.RefillInterval,
		lastRefill: now,
		lastAccess: now,
	}
	s.buckets[cacheKey] = b
	return b, nil
}

func (s *BucketStore) categoryConfig(category Category) (config.BucketConfig, error) {
	switch category {
	case CategoryAuth:
		return s.cfg.Auth, nil
	case CategoryMFA:
		return s.cfg.MFA, nil
	case CategoryAPI:
		return s.cfg.API, nil
	case CategoryGeneral:
		return s.cfg.General, nil
	default:
		return config.BucketConfig{}, fmt.Errorf("unknown bucket category: %s", category)
	}
}

// evictLocked frees space for a new bucket. Idle buckets go first; if every
// bucket is hot the store drops arbitrary entries, which at worst grants a
// few extra tokens — acceptable next to unbounded growth. Must be called with
// s.mu held.
func (s *BucketStore) evictLocked() {
	cutoff := s.now().Add(-10 * time.Minute)
	evicted := 0
	for k, b := range s.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(s.buckets, k)
			evicted++
		}
	}

	if evicted == 0 {
		target := len(s.buckets) / 10
		if target < 1 {
			target = 1
		}
		for k := range s.buckets {
			delete(s.buckets, k)
			evicted++
			if evicted >= target {
				break
			}
		}
	}

	s.logger.Warn("bucket store at capacity, evicted entries",
		slog.Int("evicted", evicted),
		slog.Int("remaining", len(s.buckets)))
}

// EvictIdle removes buckets untouched for longer than idleFor. Called by the
// background cleanup task.
func (s *BucketStore) EvictIdle(idleFor time.Duration) int {
	cutoff := s.now().Add(-idleFor)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for k, b := range s.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(s.buckets, k)
			evicted++
		}
	}
	return evicted
}
