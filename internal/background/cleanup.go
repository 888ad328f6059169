package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/bastionhq/bastion/internal/lockout"
	"github.com/bastionhq/bastion/internal/ratelimit"
	"github.com/bastionhq/bastion/internal/reputation"
	"github.com/bastionhq/bastion/internal/whitelist"
)

// AuditCleaner removes audit rows past their retention period.
type AuditCleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// SessionCleaner removes device sessions not seen since the cutoff.
type SessionCleaner interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// CleanupManager periodically expires stale protection state: old login
// attempts and lapsed locks, expired whitelist entries, aged reputation
// records, idle rate limit buckets, stale sessions and audit rows past
// retention.
type CleanupManager struct {
	tracker    *lockout.Tracker
	store      *whitelist.Store
	cache      *reputation.Cache
	buckets    *ratelimit.BucketStore
	sessions   SessionCleaner
	audit      AuditCleaner
	logger     *slog.Logger
	interval   time.Duration
	retention  time.Duration
	auditDays  int
	bucketIdle time.Duration
	stopCh     chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	tracker *lockout.Tracker,
	store *whitelist.Store,
	cache *reputation.Cache,
	buckets *ratelimit.BucketStore,
	sessions SessionCleaner,
	audit AuditCleaner,
	logger *slog.Logger,
	interval time.Duration,
	retention time.Duration,
) *CleanupManager {
	return &CleanupManager{
		tracker:    tracker,
		store:      store,
		cache:      cache,
		buckets:    buckets,
		sessions:   sessions,
		audit:      audit,
		logger:     logger,
		interval:   interval,
		retention:  retention,
		auditDays:  int(retention / (24 * time.Hour)),
		bucketIdle: time.Hour,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup expires stale state across every store
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cm.logger.Info("starting protection state cleanup")

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	attempts, locks, err := cm.tracker.SweepExpired(cleanupCtx)
	if err != nil {
		cm.logger.Error("failed to sweep login attempts and locks", slog.Any("error", err))
	} else if attempts > 0 || locks > 0 {
		cm.logger.Info("lockout state swept",
			slog.Int64("attempts_deleted", attempts),
			slog.Int64("locks_cleared", locks))
	}

	if n, err := cm.store.SweepExpired(cleanupCtx); err != nil {
		cm.logger.Error("failed to sweep whitelist entries", slog.Any("error", err))
	} else if n > 0 {
		cm.logger.Info("expired whitelist entries deactivated", slog.Int64("entries", n))
	}

	if n := cm.cache.SweepExpired(); n > 0 {
		cm.logger.Info("expired reputation records dropped", slog.Int("records", n))
	}

	if n := cm.buckets.EvictIdle(cm.bucketIdle); n > 0 {
		cm.logger.Info("idle rate limit buckets evicted", slog.Int("buckets", n))
	}

	if n, err := cm.sessions.DeleteStale(cleanupCtx, time.Now().Add(-cm.retention)); err != nil {
		cm.logger.Error("failed to delete stale sessions", slog.Any("error", err))
	} else if n > 0 {
		cm.logger.Info("stale sessions deleted", slog.Int64("sessions", n))
	}

	if n, err := cm.audit.Cleanup(cleanupCtx, cm.auditDays); err != nil {
		cm.logger.Error("failed to cleanup audit logs", slog.Any("error", err))
	} else if n > 0 {
		cm.logger.Info("audit logs past retention deleted", slog.Int64("rows", n))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
