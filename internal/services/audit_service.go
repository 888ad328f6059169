package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bastionhq/bastion/internal/models"
)

// AuditLogRepository defines the persistence half of the dual-write audit
// sink.
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	GetByIdentity(ctx context.Context, identity string, limit int, offset int) ([]*models.AuditLog, error)
	GetByEventType(ctx context.Context, eventType string, limit int, offset int) ([]*models.AuditLog, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// AuditService handles audit logging with dual-write pattern (slog + database)
type AuditService struct {
	repo   AuditLogRepository
	logger *slog.Logger
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditLogRepository, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:   repo,
		logger: logger,
	}
}

// LogSecurityEvent records a security event. The slog write always happens;
// a failed database write is logged and swallowed so audit persistence never
// breaks the protected operation.
func (s *AuditService) LogSecurityEvent(ctx context.Context, eventType, action string, identity, ip, userAgent *string, success bool, failureReason *string, metadata models.AuditMetadata) error {
	log := &models.AuditLog{
		EventType:     eventType,
		Identity:      identity,
		Action:        action,
		Success:       success,
		FailureReason: failureReason,
		IPAddress:     ip,
		UserAgent:     userAgent,
		Metadata:      metadata,
	}

	// Dual-write: immediate slog output
	attrs := []any{
		slog.String("event_type", eventType),
		slog.String("action", action),
		slog.Any("metadata", metadata),
	}
	if identity != nil {
		attrs = append(attrs, slog.String("identity", *identity))
	}
	if ip != nil {
		attrs = append(attrs, slog.String("ip_address", *ip))
	}

	if success {
		s.logger.InfoContext(ctx, "audit event", attrs...)
	} else {
		if failureReason != nil {
			attrs = append(attrs, slog.String("failure_reason", *failureReason))
		}
		s.logger.WarnContext(ctx, "audit event failed", attrs...)
	}

	// Persist to database (non-blocking)
	if _, err := s.repo.Create(ctx, log); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit log",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
		return nil
	}

	return nil
}

// LogRateLimited records a rate limit denial
func (s *AuditService) LogRateLimited(ctx context.Context, key, category, path, ip string) error {
	reason := "token bucket exhausted"
	return s.LogSecurityEvent(ctx, models.AuditEventTypeRateLimited, "deny", nil, &ip, nil, false, &reason, models.AuditMetadata{
		"key":      key,
		"category": category,
		"path":     path,
	})
}

// LogAccountLocked records an account lock
func (s *AuditService) LogAccountLocked(ctx context.Context, identity, ip, reason string) error {
	return s.LogSecurityEvent(ctx, models.AuditEventTypeAccountLocked, "lock", &identity, &ip, nil, false, &reason, nil)
}

// LogAccountUnlocked records a lock being lifted
func (s *AuditService) LogAccountUnlocked(ctx context.Context, identity, unlockedBy string) error {
	return s.LogSecurityEvent(ctx, models.AuditEventTypeAccountUnlocked, "unlock", &identity, nil, nil, true, nil, models.AuditMetadata{
		"unlocked_by": unlockedBy,
	})
}

// LogHighRiskLogin records an assessment that flagged or locked
func (s *AuditService) LogHighRiskLogin(ctx context.Context, a *models.ThreatAssessment) error {
	return s.LogSecurityEvent(ctx, models.AuditEventTypeHighRiskLogin, a.Action, &a.Identity, &a.IPAddress, nil, false, nil, models.AuditMetadata{
		"risk_score": a.RiskScore,
		"risk_level": a.RiskLevel,
		"factors":    map[string]any(a.Factors),
	})
}

// LogWhitelistChange records whitelist mutations
func (s *AuditService) LogWhitelistChange(ctx context.Context, action, subjectType, subjectValue, actor string) error {
	return s.LogSecurityEvent(ctx, models.AuditEventTypeWhitelistChange, action, &actor, nil, nil, true, nil, models.AuditMetadata{
		"subject_type":  subjectType,
		"subject_value": subjectValue,
	})
}

// RecentByEventType lists recent events of one type, newest first
func (s *AuditService) RecentByEventType(ctx context.Context, eventType string, limit, offset int) ([]*models.AuditLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	logs, err := s.repo.GetByEventType(ctx, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}
	return logs, nil
}

// TrailForIdentity lists an identity's audit trail, newest first
func (s *AuditService) TrailForIdentity(ctx context.Context, identity string, limit, offset int) ([]*models.AuditLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	logs, err := s.repo.GetByIdentity(ctx, identity, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail: %w", err)
	}
	return logs, nil
}
