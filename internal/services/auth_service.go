package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/lockout"
	"github.com/bastionhq/bastion/internal/models"
	"github.com/bastionhq/bastion/internal/obs"
	pkgauth "github.com/bastionhq/bastion/pkg/auth"
	pkglogger "github.com/bastionhq/bastion/pkg/logger"
)

// AccountRepository resolves identities to accounts.
type AccountRepository interface {
	GetByIdentity(ctx context.Context, identity string) (*models.Account, error)
}

// AuthService handles the protected login flow: lockout gates before the
// credential check, attempt recording after it, asynchronous threat scoring
// on success.
type AuthService struct {
	accounts AccountRepository
	tracker  *lockout.Tracker
	threats  *ThreatService
	tm       *auth.TokenManager
	timing   *auth.TimingDelay
	metrics  *obs.Metrics
	logger   *slog.Logger
	auditLog *pkglogger.AuditLogger
}

// NewAuthService creates a new AuthService
func NewAuthService(accounts AccountRepository, tracker *lockout.Tracker, threats *ThreatService, tm *auth.TokenManager, timing *auth.TimingDelay, metrics *obs.Metrics, logger *slog.Logger, auditLog *pkglogger.AuditLogger) *AuthService {
	return &AuthService{
		accounts: accounts,
		tracker:  tracker,
		threats:  threats,
		tm:       tm,
		timing:   timing,
		metrics:  metrics,
		logger:   logger,
		auditLog: auditLog,
	}
}

// AuthResponse represents the response from a successful login
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Identity     string `json:"identity"`
	Role         string `json:"role"`
}

// Login authenticates an identity and returns tokens. Every outcome except
// internal errors is recorded in the attempt log; recording failures abort
// the login (fail-closed) so the counters cannot be starved.
func (s *AuthService) Login(ctx context.Context, identity, password, ip, userAgent string) (*AuthResponse, error) {
	start := time.Now()

	if identity = strings.ToLower(strings.TrimSpace(identity)); identity == "" {
		s.logger.Warn("login attempt with empty identity")
		return nil, models.ErrUnauthorized
	}

	blocked, err := s.tracker.IsIPBlocked(ctx, ip)
	if err != nil {
		s.logger.Error("failed to check IP block state", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if blocked {
		s.metrics.LoginOutcomes.WithLabelValues("ip_blocked").Inc()
		if _, err := s.tracker.RecordAttempt(ctx, identity, ip, userAgent, false, "ip_blocked"); err != nil {
			return nil, models.ErrInternalServer
		}
		s.auditLog.LogSecurityEvent(pkglogger.AuditEvent{
			EventType:     models.AuditEventTypeIPBlocked,
			Identity:      identity,
			IPAddress:     ip,
			Success:       false,
			FailureReason: "too many failures from address",
		})
		return nil, models.ErrIPBlocked
	}

	account, err := s.accounts.GetByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Record under the claimed identity so enumeration sweeps still
			// feed the IP counters, then answer generically.
			if _, err := s.tracker.RecordAttempt(ctx, identity, ip, userAgent, false, "unknown_identity"); err != nil {
				return nil, models.ErrInternalServer
			}
			s.metrics.LoginOutcomes.WithLabelValues("failure").Inc()
			s.logger.Info("login failed: invalid credentials")
			s.timing.WaitFrom(start, false)
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get account", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if account.Status == "disabled" {
		s.metrics.LoginOutcomes.WithLabelValues("disabled").Inc()
		if _, err := s.tracker.RecordAttempt(ctx, identity, ip, userAgent, false, "account_disabled"); err != nil {
			return nil, models.ErrInternalServer
		}
		return nil, models.ErrAccountDisabled
	}

	if err := s.tracker.CheckAccess(ctx, account); err != nil {
		if errors.Is(err, models.ErrAccountLocked) {
			s.metrics.LoginOutcomes.WithLabelValues("locked").Inc()
			if _, err := s.tracker.RecordAttempt(ctx, identity, ip, userAgent, false, "account_locked"); err != nil {
				return nil, models.ErrInternalServer
			}
			return nil, models.ErrAccountLocked
		}
		s.logger.Error("failed to check lock state", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := pkgauth.ComparePassword(account.PasswordHash, password); err != nil {
		lockedNow, recErr := s.tracker.RecordAttempt(ctx, identity, ip, userAgent, false, "invalid_credentials")
		if recErr != nil {
			return nil, models.ErrInternalServer
		}
		s.metrics.LoginOutcomes.WithLabelValues("failure").Inc()
		if lockedNow {
			s.metrics.AccountLocks.Inc()
			s.auditLog.LogAccountLock(identity, "repeated failed logins", true)
		}
		s.logger.Info("login failed: invalid credentials")
		s.timing.WaitFrom(start, false)
		return nil, models.ErrUnauthorized
	}

	if _, err := s.tracker.RecordAttempt(ctx, identity, ip, userAgent, true, ""); err != nil {
		return nil, models.ErrInternalServer
	}

	accessToken, err := s.tm.GenerateAccessToken(account.Username, account.Role)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	refreshToken, err := s.tm.GenerateRefreshToken(account.Username, account.Role)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// The session row for this login is written by the assessment worker
	// after scoring, so the scorer's history baseline never includes the
	// login it is scoring.
	s.threats.Enqueue(AssessmentRequest{
		Identity:          account.Username,
		Email:             account.Email,
		IPAddress:         ip,
		UserAgent:         userAgent,
		DeviceFingerprint: DeviceFingerprint(ip, userAgent),
		LoginTime:         time.Now(),
	})

	s.metrics.LoginOutcomes.WithLabelValues("success").Inc()
	s.logger.Info("login succeeded", slog.String("identity", account.Username))
	s.auditLog.LogSecurityEvent(pkglogger.AuditEvent{
		EventType: models.AuditEventTypeLogin,
		Identity:  account.Username,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   true,
	})

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Identity:     account.Username,
		Role:         account.Role,
	}, nil
}

// RefreshToken exchanges a valid refresh token for a new token pair
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken == "" {
		return nil, models.ErrUnauthorized
	}

	claims, err := s.tm.ValidateToken(refreshToken)
	if err != nil || claims.Type != "refresh" {
		return nil, models.ErrUnauthorized
	}

	account, err := s.accounts.GetByIdentity(ctx, claims.Identity)
	if err != nil {
		return nil, models.ErrUnauthorized
	}
	if account.IsLocked || account.Status == "disabled" {
		return nil, models.ErrUnauthorized
	}

	accessToken, err := s.tm.GenerateAccessToken(account.Username, account.Role)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	newRefresh, err := s.tm.GenerateRefreshToken(account.Username, account.Role)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		Identity:     account.Username,
		Role:         account.Role,
	}, nil
}

// DeviceFingerprint hashes IP and User-Agent into a stable device key
func DeviceFingerprint(ip, userAgent string) string {
	hash := sha256.Sum256([]byte(ip + ":" + userAgent))
	return fmt.Sprintf("%x", hash)[:32]
}
