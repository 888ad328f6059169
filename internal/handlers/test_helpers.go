package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	internalauth "github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/models"
	"github.com/bastionhq/bastion/internal/services"
	pkghttp "github.com/bastionhq/bastion/pkg/http"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAdminContext adds admin claims to the request context for testing
// authenticated endpoints outside the middleware chain
func WithAdminContext(req *http.Request, identity string) *http.Request {
	claims := &models.TokenClaims{
		Type:     "access",
		Identity: identity,
		Role:     "admin",
	}
	return req.WithContext(internalauth.ContextWithClaims(req.Context(), claims))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc        func(ctx context.Context, identity, password, ipAddress, userAgent string) (*services.AuthResponse, error)
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*services.AuthResponse, error)
}

func (m *MockAuthService) Login(ctx context.Context, identity, password, ipAddress, userAgent string) (*services.AuthResponse, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.LoginFunc(ctx, identity, password, ipAddress, userAgent)
}

func (m *MockAuthService) RefreshToken(ctx context.Context, refreshToken string) (*services.AuthResponse, error) {
	if m.RefreshTokenFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// MockWhitelistStore implements WhitelistStoreInterface for testing
type MockWhitelistStore struct {
	AddFunc        func(ctx context.Context, subjectType, subjectValue, reason, createdBy string, expiresAt *time.Time) (*models.WhitelistEntry, error)
	RemoveFunc     func(ctx context.Context, id uuid.UUID) error
	ListActiveFunc func(ctx context.Context) ([]*models.WhitelistEntry, error)
}

func (m *MockWhitelistStore) Add(ctx context.Context, subjectType, subjectValue, reason, createdBy string, expiresAt *time.Time) (*models.WhitelistEntry, error) {
	if m.AddFunc == nil {
		return nil, models.ErrInternalServer
	}
	return m.AddFunc(ctx, subjectType, subjectValue, reason, createdBy, expiresAt)
}

func (m *MockWhitelistStore) Remove(ctx context.Context, id uuid.UUID) error {
	if m.RemoveFunc == nil {
		return nil
	}
	return m.RemoveFunc(ctx, id)
}

func (m *MockWhitelistStore) ListActive(ctx context.Context) ([]*models.WhitelistEntry, error) {
	if m.ListActiveFunc == nil {
		return nil, nil
	}
	return m.ListActiveFunc(ctx)
}

// MockThreatService implements ThreatServiceInterface for testing
type MockThreatService struct {
	AssessmentsForIdentityFunc func(ctx context.Context, identity string, limit, offset int) ([]*models.ThreatAssessment, error)
	HighRiskAssessmentsFunc    func(ctx context.Context, limit, offset int) ([]*models.ThreatAssessment, error)
	StatsFunc                  func(ctx context.Context) (map[string]any, error)
	ClearReputationCacheFunc   func() int
}

func (m *MockThreatService) AssessmentsForIdentity(ctx context.Context, identity string, limit, offset int) ([]*models.ThreatAssessment, error) {
	if m.AssessmentsForIdentityFunc == nil {
		return nil, nil
	}
	return m.AssessmentsForIdentityFunc(ctx, identity, limit, offset)
}

func (m *MockThreatService) HighRiskAssessments(ctx context.Context, limit, offset int) ([]*models.ThreatAssessment, error) {
	if m.HighRiskAssessmentsFunc == nil {
		return nil, nil
	}
	return m.HighRiskAssessmentsFunc(ctx, limit, offset)
}

func (m *MockThreatService) Stats(ctx context.Context) (map[string]any, error) {
	if m.StatsFunc == nil {
		return map[string]any{}, nil
	}
	return m.StatsFunc(ctx)
}

func (m *MockThreatService) ClearReputationCache() int {
	if m.ClearReputationCacheFunc == nil {
		return 0
	}
	return m.ClearReputationCacheFunc()
}

// MockAccountLocker implements AccountLockerInterface for testing
type MockAccountLocker struct {
	LockFunc   func(ctx context.Context, identity string, duration time.Duration, reason string) error
	UnlockFunc func(ctx context.Context, identity string) error
}

func (m *MockAccountLocker) Lock(ctx context.Context, identity string, duration time.Duration, reason string) error {
	if m.LockFunc == nil {
		return nil
	}
	return m.LockFunc(ctx, identity, duration, reason)
}

func (m *MockAccountLocker) Unlock(ctx context.Context, identity string) error {
	if m.UnlockFunc == nil {
		return nil
	}
	return m.UnlockFunc(ctx, identity)
}

// MockBucketResetter implements BucketResetterInterface for testing
type MockBucketResetter struct {
	ResetFunc func(key string)
}

func (m *MockBucketResetter) Reset(key string) {
	if m.ResetFunc != nil {
		m.ResetFunc(key)
	}
}

// MockAuditService implements AuditServiceInterface for testing
type MockAuditService struct {
	WhitelistChanges []string
	AccountLocks     []string
	AccountUnlocks   []string
	EventsFunc       func(ctx context.Context, eventType string, limit, offset int) ([]*models.AuditLog, error)
}

func (m *MockAuditService) LogWhitelistChange(_ context.Context, action, subjectType, subjectValue, _ string) error {
	m.WhitelistChanges = append(m.WhitelistChanges, action+":"+subjectType+":"+subjectValue)
	return nil
}

func (m *MockAuditService) LogAccountLocked(_ context.Context, identity, _, _ string) error {
	m.AccountLocks = append(m.AccountLocks, identity)
	return nil
}

func (m *MockAuditService) LogAccountUnlocked(_ context.Context, identity, _ string) error {
	m.AccountUnlocks = append(m.AccountUnlocks, identity)
	return nil
}

func (m *MockAuditService) RecentByEventType(ctx context.Context, eventType string, limit, offset int) ([]*models.AuditLog, error) {
	if m.EventsFunc == nil {
		return nil, nil
	}
	return m.EventsFunc(ctx, eventType, limit, offset)
}
