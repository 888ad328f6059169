package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	internalauth "github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/models"
	pkghttp "github.com/bastionhq/bastion/pkg/http"
)

// WhitelistStoreInterface defines the store operations the handler needs
type WhitelistStoreInterface interface {
	Add(ctx context.Context, subjectType, subjectValue, reason, createdBy string, expiresAt *time.Time) (*models.WhitelistEntry, error)
	Remove(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context) ([]*models.WhitelistEntry, error)
}

// AuditServiceInterface defines the audit operations the admin handlers need
type AuditServiceInterface interface {
	LogWhitelistChange(ctx context.Context, action, subjectType, subjectValue, actor string) error
	LogAccountLocked(ctx context.Context, identity, ip, reason string) error
	LogAccountUnlocked(ctx context.Context, identity, unlockedBy string) error
	RecentByEventType(ctx context.Context, eventType string, limit, offset int) ([]*models.AuditLog, error)
}

// WhitelistHandler serves the admin whitelist endpoints
type WhitelistHandler struct {
	store  WhitelistStoreInterface
	audit  AuditServiceInterface
	logger *slog.Logger
}

// NewWhitelistHandler creates a new WhitelistHandler
func NewWhitelistHandler(store WhitelistStoreInterface, audit AuditServiceInterface, logger *slog.Logger) *WhitelistHandler {
	return &WhitelistHandler{
		store:  store,
		audit:  audit,
		logger: logger,
	}
}

// AddWhitelistRequest is the request body for creating a whitelist entry
type AddWhitelistRequest struct {
	SubjectType  string     `json:"subject_type" validate:"required,oneof=ip identity"`
	SubjectValue string     `json:"subject_value" validate:"required,min=1,max=255"`
	Reason       string     `json:"reason" validate:"required,min=1,max=500"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Add handles POST /api/admin/whitelist
func (h *WhitelistHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddWhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		pkghttp.WriteBadRequest(w, "expires_at must be in the future")
		return
	}

	actor := actorFromContext(r)
	entry, err := h.store.Add(r.Context(), req.SubjectType, req.SubjectValue, req.Reason, actor, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
		h.logger.Error("failed to add whitelist entry", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to add whitelist entry")
		return
	}

	if err := h.audit.LogWhitelistChange(r.Context(), "add", entry.SubjectType, entry.SubjectValue, actor); err != nil {
		h.logger.Error("failed to audit whitelist change", slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(entry)
}

// Remove handles DELETE /api/admin/whitelist/{id}
func (h *WhitelistHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		pkghttp.WriteBadRequest(w, "invalid entry id")
		return
	}

	if err := h.store.Remove(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "whitelist entry not found")
			return
		}
		h.logger.Error("failed to remove whitelist entry", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to remove whitelist entry")
		return
	}

	actor := actorFromContext(r)
	if err := h.audit.LogWhitelistChange(r.Context(), "remove", "entry", id.String(), actor); err != nil {
		h.logger.Error("failed to audit whitelist change", slog.Any("error", err))
	}

	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/admin/whitelist
func (h *WhitelistHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListActive(r.Context())
	if err != nil {
		h.logger.Error("failed to list whitelist entries", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "failed to list whitelist entries")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// actorFromContext resolves the acting admin identity for audit records.
func actorFromContext(r *http.Request) string {
	if claims, ok := internalauth.ClaimsFromContext(r.Context()); ok {
		return claims.Identity
	}
	return "unknown"
}
