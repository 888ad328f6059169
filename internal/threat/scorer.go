package threat

import (
	"context"
	"log/slog"
	"time"

	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/models"
)

// SessionRepository provides the historical baseline a login is judged
// against.
type SessionRepository interface {
	RecentByIdentity(ctx context.Context, identity string, since time.Time) ([]*models.Session, error)
}

// Input carries everything known about one successful login at scoring time.
type Input struct {
	Identity           string
	IPAddress          string
	DeviceFingerprint  string
	Reputation         *models.ReputationRecord
	RecentFailedLogins int
	LoginTime          time.Time
}

// Scorer computes a deterministic 0-100 risk score for a successful login.
// Factors are additive with a cap; the same input always produces the same
// score.
type Scorer struct {
	sessions SessionRepository
	cfg      config.ThreatConfig
	logger   *slog.Logger
}

func NewScorer(sessions SessionRepository, cfg config.ThreatConfig, logger *slog.Logger) *Scorer {
	return &Scorer{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Assess scores a login and decides the follow-up action. Session history
// errors degrade to an empty baseline rather than failing the assessment.
func (s *Scorer) Assess(ctx context.Context, in Input) *models.ThreatAssessment {
	w := s.cfg.Weights
	score := 0
	factors := make(models.RiskFactors)

	rep := in.Reputation
	if rep == nil {
		rep = &models.ReputationRecord{IPAddress: in.IPAddress}
	}

	if !rep.IsPrivate {
		repScore := rep.Score / w.ReputationDivisor
		if repScore > w.ReputationCap {
			repScore = w.ReputationCap
		}
		if repScore > 0 {
			score += repScore
			factors["reputation"] = repScore
		}
		if rep.IsVPN {
			score += w.VPN
			factors["vpn"] = w.VPN
		}
		if rep.IsProxy {
			score += w.Proxy
			factors["proxy"] = w.Proxy
		}
		if rep.IsTor {
			score += w.Tor
			factors["tor"] = w.Tor
		}
	}

	history := s.sessionHistory(ctx, in.Identity)

	if s.isLocationAnomaly(rep.CountryCode, history) {
		score += w.LocationAnomaly
		factors["location_anomaly"] = w.LocationAnomaly
	}

	if in.RecentFailedLogins > s.cfg.FailedLoginThreshold {
		score += w.FailedLogins
		factors["recent_failed_logins"] = in.RecentFailedLogins
	}

	if s.isNewDevice(in.DeviceFingerprint, history) {
		score += w.NewDevice
		factors["new_device"] = w.NewDevice
	}

	if s.isUnusualHour(in.LoginTime) {
		score += w.UnusualTime
		factors["unusual_time"] = in.LoginTime.Hour()
	}

	if score > 100 {
		score = 100
	}

	level := s.riskLevel(score)
	assessment := &models.ThreatAssessment{
		Identity:          in.Identity,
		IPAddress:         in.IPAddress,
		RiskScore:         score,
		RiskLevel:         level,
		Factors:           factors,
		Action:            s.action(level),
		DeviceFingerprint: in.DeviceFingerprint,
		CountryCode:       rep.CountryCode,
		City:              rep.City,
		IsVPN:             rep.IsVPN,
		IsProxy:           rep.IsProxy,
		IsTor:             rep.IsTor,
		ReputationScore:   rep.Score,
		AssessedAt:        in.LoginTime,
	}

	s.logger.Info("login assessed",
		slog.String("identity", in.Identity),
		slog.String("ip_address", in.IPAddress),
		slog.Int("risk_score", score),
		slog.String("risk_level", level),
		slog.String("action", assessment.Action))
	return assessment
}

func (s *Scorer) sessionHistory(ctx context.Context, identity string) []*models.Session {
	since := time.Now().Add(-s.cfg.SessionLookback)
	history, err := s.sessions.RecentByIdentity(ctx, identity, since)
	if err != nil {
		s.logger.Error("failed to load session history, scoring without baseline",
			slog.String("identity", identity),
			slog.Any("error", err))
		return nil
	}
	return history
}

// isLocationAnomaly reports a login from a country the identity has no
// recent session in. An empty history is no anomaly: first logins must not
// start penalized.
func (s *Scorer) isLocationAnomaly(countryCode string, history []*models.Session) bool {
	if countryCode == "" || len(history) == 0 {
		return false
	}
	for _, sess := range history {
		if sess.CountryCode == countryCode {
			return false
		}
	}
	return true
}

// isNewDevice reports a fingerprint never seen in recent history. Like
// location, an empty history scores nothing.
func (s *Scorer) isNewDevice(fingerprint string, history []*models.Session) bool {
	if fingerprint == "" || len(history) == 0 {
		return false
	}
	for _, sess := range history {
		if sess.DeviceFingerprint == fingerprint {
			return false
		}
	}
	return true
}

func (s *Scorer) isUnusualHour(t time.Time) bool {
	h := t.Hour()
	return h >= s.cfg.UnusualHourStart && h < s.cfg.UnusualHourEnd
}

func (s *Scorer) riskLevel(score int) string {
	switch {
	case score >= s.cfg.CriticalRiskThreshold:
		return models.RiskLevelCritical
	case score >= s.cfg.HighRiskThreshold:
		return models.RiskLevelHigh
	case score >= 40:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

func (s *Scorer) action(level string) string {
	switch level {
	case models.RiskLevelCritical:
		return models.ActionAccountLocked
	case models.RiskLevelHigh:
		return models.ActionFlagged
	default:
		return models.ActionAllowed
	}
}
