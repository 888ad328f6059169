package reputation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/models"
)

// degradedTTL keeps a placeholder record alive briefly after a provider
// failure so a flapping provider is not hammered on every request.
const degradedTTL = 5 * time.Minute

// Cache is a read-through TTL cache over a reputation Provider. Concurrent
// misses for the same IP collapse into one provider call, and outbound calls
// are rate limited so a burst of unknown IPs cannot exhaust provider quota.
type Cache struct {
	provider Provider
	cfg      config.ReputationConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	records map[string]*models.ReputationRecord

	group   singleflight.Group
	limiter *rate.Limiter

	now func() time.Time
}

// NewCache creates a reputation cache backed by the given provider.
func NewCache(provider Provider, cfg config.ReputationConfig, logger *slog.Logger) *Cache {
	rps := cfg.LookupRateLimit
	if rps <= 0 {
		rps = 1
	}
	return &Cache{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		records:  make(map[string]*models.ReputationRecord),
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		now:      time.Now,
	}
}

// Lookup returns the reputation record for an IP, consulting the provider on
// a miss or after expiry. Private and loopback addresses never leave the
// process: they get a synthetic zero-risk record. On provider failure a
// short-lived neutral record is cached and returned alongside the error so
// callers can score what they have.
func (c *Cache) Lookup(ctx context.Context, ip string) (*models.ReputationRecord, error) {
	if isPrivateIP(ip) {
		now := c.now()
		return &models.ReputationRecord{
			IPAddress: ip,
			IsPrivate: true,
			FetchedAt: now,
			ExpiresAt: now.Add(c.cfg.CacheTTL),
		}, nil
	}

	c.mu.RLock()
	record, ok := c.records[ip]
	c.mu.RUnlock()
	if ok && !record.Expired(c.now()) {
		return record, nil
	}

	v, err, _ := c.group.Do(ip, func() (any, error) {
		// Winner re-checks: the map may have been filled while we queued.
		c.mu.RLock()
		record, ok := c.records[ip]
		c.mu.RUnlock()
		if ok && !record.Expired(c.now()) {
			return record, nil
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		fresh, err := c.provider.Lookup(ctx, ip)
		if err != nil {
			c.logger.Warn("reputation lookup degraded",
				slog.String("ip_address", ip),
				slog.Any("error", err))
			fresh = c.degradedRecord(ip)
			c.store(fresh)
			return fresh, err
		}

		// The cache owns record lifetime, not the provider.
		now := c.now()
		fresh.FetchedAt = now
		fresh.ExpiresAt = now.Add(c.cfg.CacheTTL)
		c.store(fresh)
		return fresh, nil
	})

	if v == nil {
		return nil, err
	}
	return v.(*models.ReputationRecord), err
}

// Get returns the cached record without consulting the provider.
func (c *Cache) Get(ip string) (*models.ReputationRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.records[ip]
	if !ok || record.Expired(c.now()) {
		return nil, false
	}
	return record, true
}

// Clear drops every cached record. Exposed to admin tooling for forcing
// fresh provider data after an intelligence update.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.records)
	c.records = make(map[string]*models.ReputationRecord)
	return n
}

// Len returns the number of cached records, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// SweepExpired removes expired records. Called by the background cleanup
// task; lookups already ignore expired entries, this just frees memory.
func (c *Cache) SweepExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ip, record := range c.records {
		if record.Expired(now) {
			delete(c.records, ip)
			removed++
		}
	}
	return removed
}

func (c *Cache) store(record *models.ReputationRecord) {
	c.mu.Lock()
	c.records[record.IPAddress] = record
	c.mu.Unlock()
}

func (c *Cache) degradedRecord(ip string) *models.ReputationRecord {
	now := c.now()
	return &models.ReputationRecord{
		IPAddress:  ip,
		RawPayload: map[string]any{"degraded": true},
		FetchedAt:  now,
		ExpiresAt:  now.Add(degradedTTL),
	}
}

// isPrivateIP matches loopback and RFC1918-style addresses by prefix, the
// same classification the admission path uses for forwarded headers.
func isPrivateIP(ip string) bool {
	if ip == "127.0.0.1" || ip == "::1" || ip == "localhost" {
		return true
	}
	return strings.HasPrefix(ip, "10.") ||
		strings.HasPrefix(ip, "192.168.") ||
		strings.HasPrefix(ip, "172.")
}
