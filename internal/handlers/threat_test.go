package handlers_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/bastionhq/bastion/internal/handlers"
	"github.com/bastionhq/bastion/internal/models"
)

func newThreatHandler(threats *handlers.MockThreatService, locker *handlers.MockAccountLocker, resetter *handlers.MockBucketResetter, audit *handlers.MockAuditService) *handlers.ThreatHandler {
	if threats == nil {
		threats = &handlers.MockThreatService{}
	}
	if locker == nil {
		locker = &handlers.MockAccountLocker{}
	}
	if resetter == nil {
		resetter = &handlers.MockBucketResetter{}
	}
	if audit == nil {
		audit = &handlers.MockAuditService{}
	}
	return handlers.NewThreatHandler(threats, resetter, locker, audit, testLogger())
}

func TestAssessmentsForIdentity(t *testing.T) {
	threats := &handlers.MockThreatService{
		AssessmentsForIdentityFunc: func(ctx context.Context, identity string, limit, offset int) ([]*models.ThreatAssessment, error) {
			assert.Equal(t, "alice", identity)
			return []*models.ThreatAssessment{
				{Identity: "alice", RiskScore: 25, RiskLevel: models.RiskLevelLow},
			}, nil
		},
	}
	handler := newThreatHandler(threats, nil, nil, nil)

	req := handlers.NewTestRequest(t, "GET", "/api/admin/threats/identity/alice", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("identity", "alice")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	handler.AssessmentsForIdentity(w, req)

	var resp struct {
		Identity string `json:"identity"`
		Count    int    `json:"count"`
	}
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "alice", resp.Identity)
	assert.Equal(t, 1, resp.Count)
}

func TestHighRiskPassesPagination(t *testing.T) {
	var gotLimit, gotOffset int
	threats := &handlers.MockThreatService{
		HighRiskAssessmentsFunc: func(ctx context.Context, limit, offset int) ([]*models.ThreatAssessment, error) {
			gotLimit, gotOffset = limit, offset
			return nil, nil
		},
	}
	handler := newThreatHandler(threats, nil, nil, nil)

	req := handlers.NewTestRequest(t, "GET", "/api/admin/threats/high-risk?limit=10&offset=20", nil)
	w := httptest.NewRecorder()
	handler.HighRisk(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, 10, gotLimit)
	assert.Equal(t, 20, gotOffset)
}

func TestStats(t *testing.T) {
	threats := &handlers.MockThreatService{
		StatsFunc: func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"reputation_cache_size": 3}, nil
		},
	}
	handler := newThreatHandler(threats, nil, nil, nil)

	req := handlers.NewTestRequest(t, "GET", "/api/admin/threats/stats", nil)
	w := httptest.NewRecorder()
	handler.Stats(w, req)

	var resp map[string]any
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, float64(3), resp["reputation_cache_size"])
}

func TestClearReputationCache(t *testing.T) {
	threats := &handlers.MockThreatService{
		ClearReputationCacheFunc: func() int { return 7 },
	}
	handler := newThreatHandler(threats, nil, nil, nil)

	req := handlers.NewTestRequest(t, "POST", "/api/admin/threats/cache/clear", nil)
	w := httptest.NewRecorder()
	handler.ClearReputationCache(w, req)

	var resp map[string]any
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, float64(7), resp["cleared"])
}

func TestLockAccount_Success(t *testing.T) {
	var lockedIdentity string
	var lockedFor time.Duration
	locker := &handlers.MockAccountLocker{
		LockFunc: func(ctx context.Context, identity string, duration time.Duration, reason string) error {
			lockedIdentity = identity
			lockedFor = duration
			return nil
		},
	}
	audit := &handlers.MockAuditService{}
	handler := newThreatHandler(nil, locker, nil, audit)

	req := handlers.NewTestRequest(t, "POST", "/api/admin/accounts/lock", handlers.LockAccountRequest{
		Identity:        "alice",
		DurationMinutes: 60,
		Reason:          "manual review",
	})
	req = handlers.WithAdminContext(req, "admin-1")

	w := httptest.NewRecorder()
	handler.LockAccount(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "alice", lockedIdentity)
	assert.Equal(t, time.Hour, lockedFor)
	assert.Equal(t, []string{"alice"}, audit.AccountLocks)
}

func TestLockAccount_UnknownIdentity(t *testing.T) {
	locker := &handlers.MockAccountLocker{
		LockFunc: func(ctx context.Context, identity string, duration time.Duration, reason string) error {
			return models.ErrNotFound
		},
	}
	handler := newThreatHandler(nil, locker, nil, nil)

	req := handlers.NewTestRequest(t, "POST", "/api/admin/accounts/lock", handlers.LockAccountRequest{
		Identity:        "ghost",
		DurationMinutes: 60,
		Reason:          "manual review",
	})

	w := httptest.NewRecorder()
	handler.LockAccount(w, req)

	handlers.AssertErrorResponse(t, w, 404, "not_found")
}

func TestUnlockAccount_Success(t *testing.T) {
	var unlocked string
	locker := &handlers.MockAccountLocker{
		UnlockFunc: func(ctx context.Context, identity string) error {
			unlocked = identity
			return nil
		},
	}
	audit := &handlers.MockAuditService{}
	handler := newThreatHandler(nil, locker, nil, audit)

	req := handlers.NewTestRequest(t, "POST", "/api/admin/accounts/unlock", handlers.UnlockAccountRequest{
		Identity: "alice",
	})
	req = handlers.WithAdminContext(req, "admin-1")

	w := httptest.NewRecorder()
	handler.UnlockAccount(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "alice", unlocked)
	assert.Equal(t, []string{"alice"}, audit.AccountUnlocks)
}

func TestRateLimitViolations(t *testing.T) {
	audit := &handlers.MockAuditService{
		EventsFunc: func(ctx context.Context, eventType string, limit, offset int) ([]*models.AuditLog, error) {
			assert.Equal(t, models.AuditEventTypeRateLimited, eventType)
			return []*models.AuditLog{{EventType: eventType}}, nil
		},
	}
	handler := newThreatHandler(nil, nil, nil, audit)

	req := handlers.NewTestRequest(t, "GET", "/api/admin/rate-limits/violations", nil)
	w := httptest.NewRecorder()
	handler.RateLimitViolations(w, req)

	var resp struct {
		Count int `json:"count"`
	}
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, 1, resp.Count)
}

func TestResetBucket(t *testing.T) {
	var resetKey string
	resetter := &handlers.MockBucketResetter{
		ResetFunc: func(key string) { resetKey = key },
	}
	handler := newThreatHandler(nil, nil, resetter, nil)

	req := handlers.NewTestRequest(t, "POST", "/api/admin/rate-limits/reset", handlers.ResetBucketRequest{
		Key: "203.0.113.5",
	})
	req = handlers.WithAdminContext(req, "admin-1")

	w := httptest.NewRecorder()
	handler.ResetBucket(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "203.0.113.5", resetKey)
}
