package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bastionhq/bastion/internal/models"
	pkghttp "github.com/bastionhq/bastion/pkg/http"
)

// ThreatServiceInterface defines the assessment operations the handler needs
type ThreatServiceInterface interface {
	AssessmentsForIdentity(ctx context.Context, identity string, limit, offset int) ([]*models.ThreatAssessment, error)
	HighRiskAssessments(ctx context.Context, limit, offset int) ([]*models.ThreatAssessment, error)
	Stats(ctx context.Context) (map[string]any, error)
	ClearReputationCache() int
}

// AccountLockerInterface defines the manual lock operations the handler needs
type AccountLockerInterface interface {
	Lock(ctx context.Context, identity string, duration time.Duration, reason string) error
	Unlock(ctx context.Context, identity string) error
}

// BucketResetterInterface refills every bucket category for a key
type BucketResetterInterface interface {
	Reset(key string)
}

// ThreatHandler serves the admin threat and account endpoints
type ThreatHandler struct {
	threats    ThreatServiceInterface
	protection BucketResetterInterface
	tracker    AccountLockerInterface
	audit      AuditServiceInterface
	logger     *slog.Logger
}

// NewThreatHandler creates a new ThreatHandler
func NewThreatHandler(threats ThreatServiceInterface, protection BucketResetterInterface, tracker AccountLockerInterface, audit AuditServiceInterface, logger *slog.Logger) *ThreatHandler {
	return &ThreatHandler{
		threats:    threats,
		protection: protection,
		tracker:    tracker,
		audit:      audit,
		logger:     logger,
	}
}

// LockAccountRequest is the request body for a manual account lock
type LockAccountRequest struct {
	Identity        string `json:"identity" validate:"required,min=3,max=255"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=1,lte=10080"`
	Reason          string `json:"reason" validate:"required,min=1,max=500"`
}

// UnlockAccountRequest is the request body for a manual unlock
type UnlockAccountRequest struct {
	Identity string `json:"identity" validate:"required,min=3,max=255"`
}

// ResetBucketRequest is the request body for a rate limit bucket reset
type ResetBucketRequest struct {
	Key string `json:"key" validate:"required,min=1,max=255"`
}

// AssessmentsForIdentity handles GET /api/admin/threats/identity/{identity}
func (h *ThreatHandler) AssessmentsForIdentity(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	limit, offset := parsePagination(r)

	assessments, err := h.threats.AssessmentsForIdentity(r.Context(), identity, limit, offset)
	if err != nil {
		h.logger.Error("failed to list assessments", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to list assessments")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity":    identity,
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// HighRisk handles GET /api/admin/threats/high-risk
func (h *ThreatHandler) HighRisk(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	assessments, err := h.threats.HighRiskAssessments(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list high-risk assessments", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to list high-risk assessments")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// Stats handles GET /api/admin/threats/stats
func (h *ThreatHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.threats.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to compute threat stats", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to compute threat stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ClearReputationCache handles POST /api/admin/threats/cache/clear
func (h *ThreatHandler) ClearReputationCache(w http.ResponseWriter, r *http.Request) {
	n := h.threats.ClearReputationCache()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// LockAccount handles POST /api/admin/accounts/lock
func (h *ThreatHandler) LockAccount(w http.ResponseWriter, r *http.Request) {
	var req LockAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := h.tracker.Lock(r.Context(), req.Identity, duration, req.Reason); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "account not found")
			return
		}
		h.logger.Error("failed to lock account", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to lock account")
		return
	}

	if err := h.audit.LogAccountLocked(r.Context(), req.Identity, "", req.Reason); err != nil {
		h.logger.Error("failed to audit account lock", slog.Any("error", err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity":     req.Identity,
		"locked_until": time.Now().Add(duration),
	})
}

// UnlockAccount handles POST /api/admin/accounts/unlock
func (h *ThreatHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	var req UnlockAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.tracker.Unlock(r.Context(), req.Identity); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "account not found")
			return
		}
		h.logger.Error("failed to unlock account", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to unlock account")
		return
	}

	if err := h.audit.LogAccountUnlocked(r.Context(), req.Identity, actorFromContext(r)); err != nil {
		h.logger.Error("failed to audit account unlock", slog.Any("error", err))
	}

	writeJSON(w, http.StatusOK, map[string]any{"identity": req.Identity, "locked": false})
}

// RateLimitViolations handles GET /api/admin/rate-limits/violations
func (h *ThreatHandler) RateLimitViolations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	events, err := h.audit.RecentByEventType(r.Context(), models.AuditEventTypeRateLimited, limit, offset)
	if err != nil {
		h.logger.Error("failed to list rate limit violations", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to list rate limit violations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"violations": events,
		"count":      len(events),
	})
}

// ResetBucket handles POST /api/admin/rate-limits/reset. The key is an IP or
// an identity; buckets in every category are refilled.
func (h *ThreatHandler) ResetBucket(w http.ResponseWriter, r *http.Request) {
	var req ResetBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	h.protection.Reset(req.Key)
	h.logger.Info("rate limit buckets reset",
		slog.String("key", req.Key),
		slog.String("actor", actorFromContext(r)))

	writeJSON(w, http.StatusOK, map[string]any{"key": req.Key, "reset": true})
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
