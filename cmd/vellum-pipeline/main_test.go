package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vellumhq/pipeline/internal/cache"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/pkg/models"
)

type testStore struct {
	pingErr error
}

func (s *testStore) Ping(_ context.Context) error { return s.pingErr }

func (s *testStore) CreateTenant(_ context.Context, _ *models.Tenant) error { return nil }
func (s *testStore) GetTenant(_ context.Context, _ uuid.UUID) (*models.Tenant, error) {
	return nil, store.ErrNotFound
}
func (s *testStore) ListActiveTenants(_ context.Context) ([]*models.Tenant, error) { return nil, nil }
func (s *testStore) UpdateTenantBilling(_ context.Context, _ uuid.UUID, _, _ string) error {
	return nil
}
func (s *testStore) SubmitJob(_ context.Context, _ *models.Job) error { return nil }
func (s *testStore) GetJob(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *testStore) DequeueJob(_ context.Context, _ string, _ time.Time) (*models.Job, error) {
	return nil, store.ErrQueueEmpty
}
func (s *testStore) CompleteJob(_ context.Context, _ uuid.UUID, _ string, _ json.RawMessage, _ []*models.UsageRecord) error {
	return nil
}
func (s *testStore) FailJob(_ context.Context, _ uuid.UUID, _ string, _ models.JobError, _ bool, _ int) (bool, error) {
	return false, nil
}
func (s *testStore) ReapExpiredLeases(_ context.Context, _ int) ([]uuid.UUID, []uuid.UUID, error) {
	return nil, nil, nil
}
func (s *testStore) ListUnreportedUsage(_ context.Context, _ uuid.UUID, _ int) ([]*models.UsageRecord, error) {
	return nil, nil
}
func (s *testStore) MarkUsageReported(_ context.Context, _ []uuid.UUID, _ string) (int64, error) {
	return 0, nil
}
func (s *testStore) CreateAsset(_ context.Context, _ *models.Asset) error { return nil }
func (s *testStore) GetAsset(_ context.Context, _ uuid.UUID, _ uuid.UUID) (*models.Asset, error) {
	return nil, store.ErrNotFound
}
func (s *testStore) SetAssetDescription(_ context.Context, _ uuid.UUID, _ uuid.UUID, _ string) error {
	return nil
}

var _ store.Store = (*testStore)(nil)

type testCache struct {
	pingErr error
}

func (c *testCache) Ping(_ context.Context) error { return c.pingErr }
func (c *testCache) Close() error                 { return nil }
func (c *testCache) SetJobStatus(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	return nil
}
func (c *testCache) GetJobStatus(_ context.Context, _ uuid.UUID) (string, bool, error) {
	return "", false, nil
}
func (c *testCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*testCache)(nil)

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(&testStore{}, &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	h := healthHandler(&testStore{pingErr: errors.New("connection refused")}, &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(&testStore{}, &testCache{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRunServe_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
	}

	err := runServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRunWorker_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
	}

	err := runWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
