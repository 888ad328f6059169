package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/lockout"
	"github.com/bastionhq/bastion/internal/models"
	"github.com/bastionhq/bastion/internal/obs"
	"github.com/bastionhq/bastion/internal/reputation"
	"github.com/bastionhq/bastion/internal/threat"
	"github.com/bastionhq/bastion/internal/whitelist"
)

// AssessmentRepository persists and queries threat assessments.
type AssessmentRepository interface {
	Insert(ctx context.Context, a *models.ThreatAssessment) error
	ListByIdentity(ctx context.Context, identity string, limit int, offset int) ([]*models.ThreatAssessment, error)
	ListHighRisk(ctx context.Context, minScore int, limit int, offset int) ([]*models.ThreatAssessment, error)
	CountByRiskLevel(ctx context.Context) (map[string]int64, error)
}

// SessionRecorder persists the session history the threat scorer reads.
type SessionRecorder interface {
	Record(ctx context.Context, session *models.Session) error
}

// AssessmentRequest is one successful login queued for scoring.
type AssessmentRequest struct {
	Identity          string
	Email             string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	LoginTime         time.Time
}

// ThreatService scores successful logins asynchronously on a bounded worker
// pool. Requests queued at shutdown are lost; the login they belong to has
// already succeeded.
type ThreatService struct {
	scorer     *threat.Scorer
	reputation *reputation.Cache
	tracker    *lockout.Tracker
	whitelist  *whitelist.Store
	repo       AssessmentRepository
	sessions   SessionRecorder
	audit      *AuditService
	notifier   SecurityNotifier
	metrics    *obs.Metrics
	cfg        config.ThreatConfig
	logger     *slog.Logger

	queue chan AssessmentRequest
	wg    sync.WaitGroup
}

// NewThreatService creates a new ThreatService
func NewThreatService(scorer *threat.Scorer, cache *reputation.Cache, tracker *lockout.Tracker, wl *whitelist.Store, repo AssessmentRepository, sessions SessionRecorder, audit *AuditService, notifier SecurityNotifier, metrics *obs.Metrics, cfg config.ThreatConfig, logger *slog.Logger) *ThreatService {
	return &ThreatService{
		scorer:     scorer,
		reputation: cache,
		tracker:    tracker,
		whitelist:  wl,
		repo:       repo,
		sessions:   sessions,
		audit:      audit,
		notifier:   notifier,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
		queue:      make(chan AssessmentRequest, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled, then exit.
func (s *ThreatService) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-s.queue:
					s.process(ctx, req)
				}
			}
		}()
	}

	s.logger.Info("threat assessment workers started",
		slog.Int("workers", s.cfg.Workers),
		slog.Int("queue_size", s.cfg.QueueSize))
}

// Wait blocks until the workers have exited.
func (s *ThreatService) Wait() {
	s.wg.Wait()
}

// Enqueue schedules a login for assessment. A full queue drops the request
// with a warning: scoring must never block or fail a login that already
// succeeded.
func (s *ThreatService) Enqueue(req AssessmentRequest) {
	if !s.cfg.Enabled {
		return
	}
	if s.whitelist.Contains(req.IPAddress, req.Identity) {
		return
	}

	select {
	case s.queue <- req:
	default:
		s.logger.Warn("assessment queue full, dropping request",
			slog.String("identity", req.Identity))
	}
}

func (s *ThreatService) process(ctx context.Context, req AssessmentRequest) {
	start := time.Now()

	// Re-checked here so an entry added after enqueue still exempts the
	// request. Trusted subjects are never scored, flagged or locked.
	if s.whitelist.Contains(req.IPAddress, req.Identity) {
		s.logger.Debug("skipping assessment for whitelisted subject",
			slog.String("identity", req.Identity),
			slog.String("ip_address", req.IPAddress))
		return
	}

	rep, err := s.reputation.Lookup(ctx, req.IPAddress)
	if err != nil {
		s.metrics.ProviderLookups.WithLabelValues("degraded").Inc()
	} else {
		s.metrics.ProviderLookups.WithLabelValues("ok").Inc()
	}

	failedLogins := 0
	attempts, err := s.tracker.RecentAttempts(ctx, req.Identity, s.cfg.FailedLoginLookback)
	if err != nil {
		s.logger.Error("failed to load attempt history for scoring",
			slog.String("identity", req.Identity),
			slog.Any("error", err))
	} else {
		for _, a := range attempts {
			if !a.Success {
				failedLogins++
			}
		}
	}

	assessment := s.scorer.Assess(ctx, threat.Input{
		Identity:           req.Identity,
		IPAddress:          req.IPAddress,
		DeviceFingerprint:  req.DeviceFingerprint,
		Reputation:         rep,
		RecentFailedLogins: failedLogins,
		LoginTime:          req.LoginTime,
	})

	// The session is recorded only after Assess has read the history, so a
	// login never anchors its own location and device baseline. The country
	// comes from the reputation lookup, which is what the anomaly check
	// compares against on the next login.
	if err := s.sessions.Record(ctx, &models.Session{
		ID:                uuid.NewString(),
		Identity:          req.Identity,
		IPAddress:         req.IPAddress,
		CountryCode:       assessment.CountryCode,
		City:              assessment.City,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         req.UserAgent,
	}); err != nil {
		// Session history only feeds scoring; a miss degrades the baseline.
		s.logger.Error("failed to record session",
			slog.String("identity", req.Identity),
			slog.Any("error", err))
	}

	if err := s.repo.Insert(ctx, assessment); err != nil {
		s.logger.Error("failed to persist threat assessment",
			slog.String("identity", req.Identity),
			slog.Any("error", err))
	}

	s.metrics.Assessments.WithLabelValues(assessment.Action).Inc()
	s.metrics.AssessmentLatency.Observe(time.Since(start).Seconds())

	switch assessment.Action {
	case models.ActionFlagged:
		s.handleFlagged(ctx, req, assessment)
	case models.ActionAccountLocked:
		s.handleCritical(ctx, req, assessment)
	}
}

func (s *ThreatService) handleFlagged(ctx context.Context, req AssessmentRequest, a *models.ThreatAssessment) {
	if err := s.audit.LogHighRiskLogin(ctx, a); err != nil {
		s.logger.Error("failed to audit high-risk login", slog.Any("error", err))
	}
	if req.Email != "" {
		if err := s.notifier.NotifyHighRiskLogin(ctx, req.Email, a); err != nil {
			s.logger.Error("failed to send high-risk alert", slog.Any("error", err))
		}
	}
}

func (s *ThreatService) handleCritical(ctx context.Context, req AssessmentRequest, a *models.ThreatAssessment) {
	reason := fmt.Sprintf("critical risk score %d", a.RiskScore)

	if err := s.tracker.Lock(ctx, req.Identity, s.cfg.AccountLockDuration, reason); err != nil {
		s.logger.Error("failed to lock account for critical risk",
			slog.String("identity", req.Identity),
			slog.Any("error", err))
		return
	}
	s.metrics.AccountLocks.Inc()

	if err := s.audit.LogAccountLocked(ctx, req.Identity, req.IPAddress, reason); err != nil {
		s.logger.Error("failed to audit account lock", slog.Any("error", err))
	}
	if req.Email != "" {
		if err := s.notifier.NotifyAccountLocked(ctx, req.Email, req.Identity, reason); err != nil {
			s.logger.Error("failed to send lock alert", slog.Any("error", err))
		}
	}
}

// AssessmentsForIdentity lists an identity's assessments, newest first
func (s *ThreatService) AssessmentsForIdentity(ctx context.Context, identity string, limit, offset int) ([]*models.ThreatAssessment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByIdentity(ctx, identity, limit, offset)
}

// HighRiskAssessments lists assessments at or above the high-risk threshold
func (s *ThreatService) HighRiskAssessments(ctx context.Context, limit, offset int) ([]*models.ThreatAssessment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListHighRisk(ctx, s.cfg.HighRiskThreshold, limit, offset)
}

// Stats summarizes assessment counts and reputation cache state
func (s *ThreatService) Stats(ctx context.Context) (map[string]any, error) {
	counts, err := s.repo.CountByRiskLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute threat stats: %w", err)
	}

	return map[string]any{
		"assessments_by_level":    counts,
		"reputation_cache_size":   s.reputation.Len(),
		"high_risk_threshold":     s.cfg.HighRiskThreshold,
		"critical_risk_threshold": s.cfg.CriticalRiskThreshold,
	}, nil
}

// ClearReputationCache drops all cached reputation records
func (s *ThreatService) ClearReputationCache() int {
	n := s.reputation.Clear()
	s.logger.Info("reputation cache cleared", slog.Int("entries", n))
	return n
}
