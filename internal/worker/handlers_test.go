package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vellumhq/pipeline/internal/ai/aierr"
	"github.com/vellumhq/pipeline/internal/ai/mock"
	"github.com/vellumhq/pipeline/internal/assets"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/internal/worker"
	"github.com/vellumhq/pipeline/pkg/models"
)

// handlerStore fakes the store surface the handlers touch.
type handlerStore struct {
	store.Store

	tenant       *models.Tenant
	assets       []*models.Asset
	descriptions map[uuid.UUID]string
}

func newHandlerStore() *handlerStore {
	return &handlerStore{
		tenant: &models.Tenant{
			ID:             uuid.New(),
			Name:           "acme",
			BillingStatus:  models.BillingStatusActive,
			BillingCycleID: "cycle-2026-09",
		},
		descriptions: make(map[uuid.UUID]string),
	}
}

func (s *handlerStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	if id != s.tenant.ID {
		return nil, store.ErrNotFound
	}
	return s.tenant, nil
}

func (s *handlerStore) CreateAsset(_ context.Context, a *models.Asset) error {
	s.assets = append(s.assets, a)
	return nil
}

func (s *handlerStore) SetAssetDescription(_ context.Context, id uuid.UUID, tenantID uuid.UUID, description string) error {
	if tenantID != s.tenant.ID {
		return store.ErrNotFound
	}
	s.descriptions[id] = description
	return nil
}

// memObjects stores nothing, just echoes keys back.
type memObjects struct {
	puts int
}

func (o *memObjects) Put(_ context.Context, tenantID uuid.UUID, fileName string, data []byte, contentType string) (*assets.Object, error) {
	o.puts++
	key := tenantID.String() + "/" + fileName
	return &assets.Object{Key: key, URL: "https://assets.test/" + key}, nil
}

func handlerJob(st *handlerStore, kind string, payload string) *models.Job {
	return &models.Job{
		ID:       uuid.New(),
		TenantID: st.tenant.ID,
		Kind:     kind,
		Payload:  json.RawMessage(payload),
		State:    models.JobStateActive,
	}
}

func findHandler(t *testing.T, handlers []worker.Handler, kind string) worker.Handler {
	t.Helper()
	for _, h := range handlers {
		if h.Kind() == kind {
			return h
		}
	}
	t.Fatalf("no handler for kind %q", kind)
	return nil
}

func TestGenerateHandler(t *testing.T) {
	st := newHandlerStore()
	objects := &memObjects{}
	handlers := worker.NewHandlers(mock.NewProvider(), objects, st)
	h := findHandler(t, handlers, models.JobKindGenerate)

	job := handlerJob(st, models.JobKindGenerate, `{"prompt":"a red bicycle","size":"1024x1024"}`)
	result, usage, err := h.Handle(context.Background(), job)
	require.NoError(t, err)

	var out models.GenerateResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "mock-v1", out.Model)
	assert.NotEmpty(t, out.AssetURL)

	require.Len(t, st.assets, 1)
	assert.Equal(t, st.tenant.ID, st.assets[0].TenantID)
	assert.Equal(t, "image/png", st.assets[0].MimeType)
	assert.Equal(t, 1, objects.puts)

	require.Len(t, usage, 1)
	assert.Equal(t, models.EventTypeGeneration, usage[0].EventType)
	assert.Equal(t, int64(1), usage[0].Quantity)
	assert.Equal(t, "cycle-2026-09", usage[0].BillingCycleID)
}

func TestGenerateHandler_MissingPrompt(t *testing.T) {
	st := newHandlerStore()
	handlers := worker.NewHandlers(mock.NewProvider(), &memObjects{}, st)
	h := findHandler(t, handlers, models.JobKindGenerate)

	_, _, err := h.Handle(context.Background(), handlerJob(st, models.JobKindGenerate, `{}`))
	var perm *worker.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "invalid_payload", perm.Code)
}

func TestGenerateHandler_ProviderErrorPassesThrough(t *testing.T) {
	st := newHandlerStore()
	handlers := worker.NewHandlers(mock.NewFailingProvider(aierr.ErrRateLimited), &memObjects{}, st)
	h := findHandler(t, handlers, models.JobKindGenerate)

	_, _, err := h.Handle(context.Background(),
		handlerJob(st, models.JobKindGenerate, `{"prompt":"hi"}`))
	assert.ErrorIs(t, err, aierr.ErrRateLimited)
	assert.Empty(t, st.assets, "no asset stored on provider failure")
}

func TestInpaintHandler_RequiresImageAndMask(t *testing.T) {
	st := newHandlerStore()
	handlers := worker.NewHandlers(mock.NewProvider(), &memObjects{}, st)
	h := findHandler(t, handlers, models.JobKindInpaint)

	_, _, err := h.Handle(context.Background(),
		handlerJob(st, models.JobKindInpaint, `{"prompt":"fix the sky"}`))
	var perm *worker.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "invalid_payload", perm.Code)

	payload := `{"prompt":"fix the sky","image_url":"https://a.test/1.png","mask_url":"https://a.test/m.png"}`
	result, usage, err := h.Handle(context.Background(), handlerJob(st, models.JobKindInpaint, payload))
	require.NoError(t, err)
	assert.NotNil(t, result)
	require.Len(t, usage, 1)
	assert.Equal(t, models.EventTypeGeneration, usage[0].EventType)
}

func TestDescribeHandler(t *testing.T) {
	st := newHandlerStore()
	handlers := worker.NewHandlers(mock.NewProvider(), &memObjects{}, st)
	h := findHandler(t, handlers, models.JobKindDescribe)

	result, usage, err := h.Handle(context.Background(),
		handlerJob(st, models.JobKindDescribe, `{"image_url":"https://a.test/1.png"}`))
	require.NoError(t, err)

	var out models.DescribeResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Contains(t, out.Description, "https://a.test/1.png")

	require.Len(t, usage, 1)
	assert.Equal(t, models.EventTypeDescription, usage[0].EventType)
}

func TestUploadPostprocessHandler(t *testing.T) {
	st := newHandlerStore()
	handlers := worker.NewHandlers(mock.NewProvider(), &memObjects{}, st)
	h := findHandler(t, handlers, models.JobKindUploadPostprocess)

	assetID := uuid.New()
	payload, _ := json.Marshal(models.UploadPostprocessPayload{
		AssetID:  assetID,
		AssetURL: "https://assets.test/photo.png",
	})

	result, usage, err := h.Handle(context.Background(),
		handlerJob(st, models.JobKindUploadPostprocess, string(payload)))
	require.NoError(t, err)

	desc, ok := st.descriptions[assetID]
	require.True(t, ok, "description written back to the asset")
	assert.Contains(t, desc, "photo.png")

	var out models.DescribeResult
	require.NoError(t, json.Unmarshal(result, &out))
	require.NotNil(t, out.AssetID)
	assert.Equal(t, assetID, *out.AssetID)

	require.Len(t, usage, 1)
	assert.Equal(t, models.EventTypeDescription, usage[0].EventType)
}

func TestUploadPostprocessHandler_MissingAsset(t *testing.T) {
	st := newHandlerStore()
	handlers := worker.NewHandlers(mock.NewProvider(), &memObjects{}, st)
	h := findHandler(t, handlers, models.JobKindUploadPostprocess)

	_, _, err := h.Handle(context.Background(),
		handlerJob(st, models.JobKindUploadPostprocess, `{"asset_id":"","asset_url":""}`))
	var perm *worker.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "invalid_payload", perm.Code)
}

func TestHandlers_UnknownTenantSurfaces(t *testing.T) {
	st := newHandlerStore()
	handlers := worker.NewHandlers(mock.NewProvider(), &memObjects{}, st)
	h := findHandler(t, handlers, models.JobKindGenerate)

	job := handlerJob(st, models.JobKindGenerate, `{"prompt":"hi"}`)
	job.TenantID = uuid.New()

	_, _, err := h.Handle(context.Background(), job)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
