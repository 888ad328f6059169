package services

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/lockout"
	"github.com/bastionhq/bastion/internal/models"
	"github.com/bastionhq/bastion/internal/obs"
	"github.com/bastionhq/bastion/internal/ratelimit"
	"github.com/bastionhq/bastion/internal/reputation"
	"github.com/bastionhq/bastion/internal/threat"
	"github.com/bastionhq/bastion/internal/whitelist"
	pkgauth "github.com/bastionhq/bastion/pkg/auth"
	pkglogger "github.com/bastionhq/bastion/pkg/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAuditRepo collects audit log writes in memory.
type fakeAuditRepo struct {
	logs []*models.AuditLog
}

func (r *fakeAuditRepo) Create(_ context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	log.ID = uuid.New()
	log.CreatedAt = time.Now()
	r.logs = append(r.logs, log)
	return log, nil
}

func (r *fakeAuditRepo) GetByIdentity(_ context.Context, identity string, limit, offset int) ([]*models.AuditLog, error) {
	var out []*models.AuditLog
	for _, l := range r.logs {
		if l.Identity != nil && *l.Identity == identity {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakeAuditRepo) GetByEventType(_ context.Context, eventType string, limit, offset int) ([]*models.AuditLog, error) {
	var out []*models.AuditLog
	for _, l := range r.logs {
		if l.EventType == eventType {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakeAuditRepo) Cleanup(context.Context, int) (int64, error) { return 0, nil }

func (r *fakeAuditRepo) countByType(eventType string) int {
	n := 0
	for _, l := range r.logs {
		if l.EventType == eventType {
			n++
		}
	}
	return n
}

// fakeWhitelistRepo backs a whitelist.Store in tests.
type fakeWhitelistRepo struct {
	entries map[uuid.UUID]*models.WhitelistEntry
}

func newFakeWhitelistRepo() *fakeWhitelistRepo {
	return &fakeWhitelistRepo{entries: make(map[uuid.UUID]*models.WhitelistEntry)}
}

func (r *fakeWhitelistRepo) Insert(_ context.Context, e *models.WhitelistEntry) error {
	r.entries[e.ID] = e
	return nil
}

func (r *fakeWhitelistRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	e, ok := r.entries[id]
	if !ok {
		return models.ErrNotFound
	}
	e.Active = false
	return nil
}

func (r *fakeWhitelistRepo) ListActive(_ context.Context, now time.Time) ([]*models.WhitelistEntry, error) {
	var out []*models.WhitelistEntry
	for _, e := range r.entries {
		if e.Active && !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeWhitelistRepo) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, e := range r.entries {
		if e.Active && e.Expired(now) {
			e.Active = false
			n++
		}
	}
	return n, nil
}

// fakeAttemptRepo is an in-memory attempt log.
type fakeAttemptRepo struct {
	attempts []*models.LoginAttempt
}

func (r *fakeAttemptRepo) Insert(_ context.Context, a *models.LoginAttempt) error {
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *fakeAttemptRepo) CountFailedByIdentity(_ context.Context, identity string, since time.Time) (int, error) {
	n := 0
	for _, a := range r.attempts {
		if a.Identity == identity && !a.Success && !a.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeAttemptRepo) CountFailedByIP(_ context.Context, ip string, since time.Time) (int, error) {
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

func (r *fakeAttemptRepo) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

// fakeAccountRepo stores accounts and lock state in memory.
type fakeAccountRepo struct {
	accounts map[string]*models.Account
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[string]*models.Account)}
}

func (r *fakeAccountRepo) addAccount(t *testing.T, username, password string) *models.Account {
	t.Helper()
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	account := &models.Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Role:         "user",
		Status:       "active",
	}
	r.accounts[username] = account
	return account
}

func (r *fakeAccountRepo) GetByIdentity(_ context.Context, identity string) (*models.Account, error) {
	for _, a := range r.accounts {
		if a.Username == identity || a.Email == identity {
			return a, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *fakeAccountRepo) SetLock(_ context.Context, identity string, until time.Time, reason string) error {
	a, ok := r.accounts[identity]
	if !ok {
		return models.ErrNotFound
	}
	a.IsLocked = true
	a.LockedUntil = &until
	a.LockReason = &reason
	return nil
}

func (r *fakeAccountRepo) ClearLock(_ context.Context, identity string) error {
	a, ok := r.accounts[identity]
	if !ok {
		return models.ErrNotFound
	}
	a.IsLocked = false
	a.LockedUntil = nil
	a.LockReason = nil
	return nil
}

func (r *fakeAccountRepo) ClearExpiredLocks(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, a := range r.accounts {
		if a.LockExpired(now) {
			a.IsLocked = false
			a.LockedUntil = nil
			a.LockReason = nil
			n++
		}
	}
	return n, nil
}

// fakeSessionRepo records sessions in memory.
type fakeSessionRepo struct {
	sessions []*models.Session
}

func (r *fakeSessionRepo) Record(_ context.Context, s *models.Session) error {
	s.LastSeenAt = time.Now()
	r.sessions = append(r.sessions, s)
	return nil
}

func (r *fakeSessionRepo) RecentByIdentity(_ context.Context, identity string, _ time.Time) ([]*models.Session, error) {
	var out []*models.Session
	for _, s := range r.sessions {
		if s.Identity == identity {
			out = append(out, s)
		}
	}
	return out, nil
}

// fakeAssessmentRepo collects threat assessments in memory. The mutex covers
// tests that run the worker pool.
type fakeAssessmentRepo struct {
	mu          sync.Mutex
	assessments []*models.ThreatAssessment
}

func (r *fakeAssessmentRepo) Insert(_ context.Context, a *models.ThreatAssessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = uuid.New()
	r.assessments = append(r.assessments, a)
	return nil
}

func (r *fakeAssessmentRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assessments)
}

func (r *fakeAssessmentRepo) ListByIdentity(_ context.Context, identity string, limit, offset int) ([]*models.ThreatAssessment, error) {
	var out []*models.ThreatAssessment
	for _, a := range r.assessments {
		if a.Identity == identity {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAssessmentRepo) ListHighRisk(_ context.Context, minScore, limit, offset int) ([]*models.ThreatAssessment, error) {
	var out []*models.ThreatAssessment
	for _, a := range r.assessments {
		if a.RiskScore >= minScore {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAssessmentRepo) CountByRiskLevel(context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, a := range r.assessments {
		counts[a.RiskLevel]++
	}
	return counts, nil
}

// fakeReputationProvider serves a canned record per IP.
type fakeReputationProvider struct {
	records map[string]models.ReputationRecord
}

func (p *fakeReputationProvider) Lookup(_ context.Context, ip string) (*models.ReputationRecord, error) {
	if rec, ok := p.records[ip]; ok {
		rec.IPAddress = ip
		return &rec, nil
	}
	return &models.ReputationRecord{IPAddress: ip}, nil
}

// fakeNotifier collects security alerts.
type fakeNotifier struct {
	locked   []string
	highRisk []string
}

func (n *fakeNotifier) NotifyAccountLocked(_ context.Context, email, _, _ string) error {
	n.locked = append(n.locked, email)
	return nil
}

func (n *fakeNotifier) NotifyHighRiskLogin(_ context.Context, email string, _ *models.ThreatAssessment) error {
	n.highRisk = append(n.highRisk, email)
	return nil
}

// testEnv wires the full service stack over in-memory fakes.
type testEnv struct {
	auth        *AuthService
	protection  *ProtectionService
	threats     *ThreatService
	audit       *AuditService
	auditRepo   *fakeAuditRepo
	accounts    *fakeAccountRepo
	attempts    *fakeAttemptRepo
	sessions    *fakeSessionRepo
	assessments *fakeAssessmentRepo
	notifier    *fakeNotifier
	tracker     *lockout.Tracker
	whitelist   *whitelist.Store
	metrics     *obs.Metrics
}

func defaultTestConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:          "a-sufficiently-long-test-secret",
			AccessTokenExpiry:  15 * time.Minute,
			RefreshTokenExpiry: 24 * time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:    true,
			FailOpen:   true,
			MaxBuckets: 1000,
			Auth:       config.BucketConfig{Capacity: 5, RefillTokens: 5, RefillInterval: time.Minute},
			MFA:        config.BucketConfig{Capacity: 5, RefillTokens: 5, RefillInterval: 5 * time.Minute},
			API:        config.BucketConfig{Capacity: 1000, RefillTokens: 1000, RefillInterval: time.Minute},
			General:    config.BucketConfig{Capacity: 100, RefillTokens: 100, RefillInterval: time.Minute},
		},
		Lockout: config.LockoutConfig{
			MaxFailedAttempts:   5,
			LockoutDuration:     30 * time.Minute,
			SlidingWindow:       15 * time.Minute,
			IPMaxFailedAttempts: 10,
			AttemptRetention:    90 * 24 * time.Hour,
		},
		Threat: config.ThreatConfig{
			Enabled:               true,
			HighRiskThreshold:     60,
			CriticalRiskThreshold: 80,
			AccountLockDuration:   time.Hour,
			SessionLookback:       30 * 24 * time.Hour,
			FailedLoginLookback:   24 * time.Hour,
			FailedLoginThreshold:  3,
			UnusualHourStart:      2,
			UnusualHourEnd:        6,
			Workers:               2,
			QueueSize:             16,
			Weights: config.ThreatWeights{
				ReputationDivisor: 3,
				ReputationCap:     40,
				VPN:               15,
				Proxy:             15,
				Tor:               30,
				LocationAnomaly:   20,
				FailedLogins:      10,
				NewDevice:         10,
				UnusualTime:       5,
			},
		},
		Reputation: config.ReputationConfig{
			CacheTTL:        24 * time.Hour,
			LookupRateLimit: 1000,
			MaliciousScore:  80,
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	cfg := defaultTestConfig()

	env := &testEnv{
		auditRepo:   &fakeAuditRepo{},
		accounts:    newFakeAccountRepo(),
		attempts:    &fakeAttemptRepo{},
		sessions:    &fakeSessionRepo{},
		assessments: &fakeAssessmentRepo{},
		notifier:    &fakeNotifier{},
		metrics:     obs.NewMetrics(),
	}

	env.audit = NewAuditService(env.auditRepo, logger)
	env.tracker = lockout.NewTracker(env.attempts, env.accounts, cfg.Lockout, logger)
	env.whitelist = whitelist.NewStore(newFakeWhitelistRepo(), logger)

	buckets := ratelimit.NewBucketStore(cfg.RateLimit, logger)
	env.protection = NewProtectionService(buckets, env.whitelist, env.audit, env.metrics, cfg.RateLimit, logger)

	provider := &fakeReputationProvider{records: make(map[string]models.ReputationRecord)}
	cache := reputation.NewCache(provider, cfg.Reputation, logger)
	scorer := threat.NewScorer(env.sessions, cfg.Threat, logger)
	env.threats = NewThreatService(scorer, cache, env.tracker, env.whitelist, env.assessments, env.sessions, env.audit, env.notifier, env.metrics, cfg.Threat, logger)

	tm := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry, cfg.Auth.RefreshTokenExpiry)
	timing := auth.NewTimingDelay(auth.TimingConfig{})
	env.auth = NewAuthService(env.accounts, env.tracker, env.threats, tm, timing, env.metrics, logger, pkglogger.NewAuditLogger(logger))

	return env
}

// rebuildThreatCache swaps the threat service's reputation cache for one
// backed by the given provider.
func rebuildThreatCache(env *testEnv, provider reputation.Provider) {
	cfg := defaultTestConfig()
	env.threats.reputation = reputation.NewCache(provider, cfg.Reputation, testLogger())
}
