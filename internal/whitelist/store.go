package whitelist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/models"
)

// Repository defines the persistence operations the store needs.
type Repository interface {
	Insert(ctx context.Context, entry *models.WhitelistEntry) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context, now time.Time) ([]*models.WhitelistEntry, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store holds the active whitelist. Mutations go through the repository and
// update an in-memory snapshot so Contains never touches the database on the
// request path.
type Store struct {
	repo   Repository
	logger *slog.Logger

	mu         sync.RWMutex
	ips        map[string]*time.Time // value -> optional expiry
	identities map[string]*time.Time

	now func() time.Time
}

// NewStore creates a whitelist store. Call Refresh before serving traffic to
// load the active set.
func NewStore(repo Repository, logger *slog.Logger) *Store {
	return &Store{
		repo:       repo,
		logger:     logger,
		ips:        make(map[string]*time.Time),
		identities: make(map[string]*time.Time),
		now:        time.Now,
	}
}

// Refresh reloads the in-memory snapshot from the repository.
func (s *Store) Refresh(ctx context.Context) error {
	entries, err := s.repo.ListActive(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}

	ips := make(map[string]*time.Time, len(entries))
	identities := make(map[string]*time.Time, len(entries))
	for _, e := range entries {
		switch e.SubjectType {
		case models.WhitelistSubjectIP:
			ips[e.SubjectValue] = e.ExpiresAt
		case models.WhitelistSubjectIdentity:
			identities[e.SubjectValue] = e.ExpiresAt
		}
	}

	s.mu.Lock()
	s.ips = ips
	s.identities = identities
	s.mu.Unlock()

	s.logger.Debug("whitelist snapshot refreshed", slog.Int("entries", len(entries)))
	return nil
}

// Add creates a new active entry and updates the snapshot.
func (s *Store) Add(ctx context.Context, subjectType, subjectValue, reason, createdBy string, expiresAt *time.Time) (*models.WhitelistEntry, error) {
	if subjectType != models.WhitelistSubjectIP && subjectType != models.WhitelistSubjectIdentity {
		return nil, fmt.Errorf("%w: unknown whitelist subject type %q", models.ErrBadRequest, subjectType)
	}
	if subjectValue == "" || reason == "" {
		return nil, fmt.Errorf("%w: subject value and reason are required", models.ErrBadRequest)
	}

	entry := &models.WhitelistEntry{
		ID:           uuid.New(),
		SubjectType:  subjectType,
		SubjectValue: subjectValue,
		Reason:       reason,
		CreatedBy:    createdBy,
		Active:       true,
		ExpiresAt:    expiresAt,
	}

	if err := s.repo.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist whitelist entry: %w", err)
	}

	s.mu.Lock()
	switch subjectType {
	case models.WhitelistSubjectIP:
		s.ips[subjectValue] = expiresAt
	case models.WhitelistSubjectIdentity:
		s.identities[subjectValue] = expiresAt
	}
	s.mu.Unlock()

	s.logger.Info("whitelist entry added",
		slog.String("subject_type", subjectType),
		slog.String("subject_value", subjectValue),
		slog.String("created_by", createdBy))
	return entry, nil
}

// Remove deactivates an entry. The row survives for audit history.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}

	// The snapshot no longer knows which subject the id maps to; reload.
	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("failed to refresh whitelist after removal", slog.Any("error", err))
	}

	s.logger.Info("whitelist entry deactivated", slog.String("id", id.String()))
	return nil
}

// ListActive returns the active entries from the repository.
func (s *Store) ListActive(ctx context.Context) ([]*models.WhitelistEntry, error) {
	return s.repo.ListActive(ctx, s.now())
}

// Contains reports whether the IP or the identity is currently whitelisted.
// Either argument may be empty. Expired entries are treated as absent even
// before the sweep deactivates them.
func (s *Store) Contains(ip, identity string) bool {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if ip != "" {
		if exp, ok := s.ips[ip]; ok && (exp == nil || now.Before(*exp)) {
			return true
		}
	}
	if identity != "" {
		if exp, ok := s.identities[identity]; ok && (exp == nil || now.Before(*exp)) {
			return true
		}
	}
	return false
}

// SweepExpired deactivates expired entries and refreshes the snapshot.
// Called by the background cleanup task.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := s.Refresh(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}
