package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vellumhq/pipeline/internal/admission"
	"github.com/vellumhq/pipeline/internal/api"
	"github.com/vellumhq/pipeline/internal/api/handler"
	"github.com/vellumhq/pipeline/internal/assets"
	"github.com/vellumhq/pipeline/internal/billing"
	"github.com/vellumhq/pipeline/internal/queue"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/pkg/models"
)

var (
	testTenantID  = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testJobID     = uuid.MustParse("dddddddd-dddd-dddd-dddd-dddddddddddd")
	webhookSecret = "whsec_contract_test"
)

// fakeJobQueue implements handler.JobQueue with canned behavior.
type fakeJobQueue struct {
	submitErr error
	submitted []*models.Job
	jobs      map[uuid.UUID]*models.Job
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{jobs: make(map[uuid.UUID]*models.Job)}
}

func (q *fakeJobQueue) Submit(_ context.Context, tenantID uuid.UUID, kind string, payload json.RawMessage) (*models.Job, error) {
	if q.submitErr != nil {
		return nil, q.submitErr
	}
	if !models.ValidJobKind(kind) {
		return nil, fmt.Errorf("submit: %w %q", queue.ErrUnknownKind, kind)
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Kind:      kind,
		Payload:   payload,
		State:     models.JobStateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.submitted = append(q.submitted, job)
	q.jobs[job.ID] = job
	return job, nil
}

func (q *fakeJobQueue) Status(_ context.Context, jobID, tenantID uuid.UUID) (*models.Job, error) {
	job, ok := q.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// fakeBillingStore records UpdateTenantBilling calls.
type fakeBillingStore struct {
	updates map[uuid.UUID]string
	cycles  map[uuid.UUID]string
}

func (s *fakeBillingStore) UpdateTenantBilling(_ context.Context, tenantID uuid.UUID, billingStatus, billingCycleID string) error {
	if s.updates == nil {
		s.updates = make(map[uuid.UUID]string)
		s.cycles = make(map[uuid.UUID]string)
	}
	if tenantID != testTenantID {
		return store.ErrNotFound
	}
	// Mirrors the store contract: empty means "no change" for that field.
	if billingStatus != "" {
		s.updates[tenantID] = billingStatus
	}
	if billingCycleID != "" {
		s.cycles[tenantID] = billingCycleID
	}
	return nil
}

// fakeObjectStore returns deterministic object keys.
type fakeObjectStore struct {
	puts int
}

func (s *fakeObjectStore) Put(_ context.Context, tenantID uuid.UUID, fileName string, data []byte, contentType string) (*assets.Object, error) {
	s.puts++
	key := tenantID.String() + "/" + fileName
	return &assets.Object{Key: key, URL: "https://assets.test/" + key}, nil
}

// fakeAssetWriter records created assets.
type fakeAssetWriter struct {
	created []*models.Asset
}

func (s *fakeAssetWriter) CreateAsset(_ context.Context, a *models.Asset) error {
	s.created = append(s.created, a)
	return nil
}

type testEnv struct {
	router  http.Handler
	queue   *fakeJobQueue
	billing *fakeBillingStore
	objects *fakeObjectStore
	assets  *fakeAssetWriter
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		queue:   newFakeJobQueue(),
		billing: &fakeBillingStore{},
		objects: &fakeObjectStore{},
		assets:  &fakeAssetWriter{},
	}
	env.router = api.NewRouter(api.Dependencies{
		SubmitJobHandler: handler.NewSubmitJobHandler(env.queue),
		JobStatusHandler: handler.NewJobStatusHandler(env.queue, api.JobIDParam),
		UploadHandler:    handler.NewUploadHandler(env.objects, env.assets, env.queue),
		BillingWebhook:   handler.NewBillingWebhookHandler(env.billing, webhookSecret),
	})
	return env
}

func doRequest(t *testing.T, router http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	code, _ := errObj["code"].(string)
	return code
}

// --- job submission ---

func TestSubmitJob_MissingTenantHeader(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		bytes.NewBufferString(`{"kind":"generate","payload":{"prompt":"hi"}}`))

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "TENANT_REQUIRED", errorCode(t, body))
	assert.Empty(t, env.queue.submitted)
}

func TestSubmitJob_MalformedTenantHeader(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		bytes.NewBufferString(`{"kind":"generate"}`))
	req.Header.Set("X-Tenant-ID", "not-a-uuid")

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "TENANT_INVALID", errorCode(t, body))
}

func TestSubmitJob_Accepted(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		bytes.NewBufferString(`{"kind":"generate","payload":{"prompt":"a red bicycle"}}`))
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "generate", data["kind"])
	assert.Equal(t, models.JobStateQueued, data["state"])
	assert.NotEmpty(t, data["job_id"])

	require.Len(t, env.queue.submitted, 1)
	assert.Equal(t, testTenantID, env.queue.submitted[0].TenantID)
}

func TestSubmitJob_UnknownKind(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		bytes.NewBufferString(`{"kind":"transcode"}`))
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, body))
}

func TestSubmitJob_AdmissionDenied(t *testing.T) {
	env := setupRouter(t)
	env.queue.submitErr = &admission.Error{Reason: admission.ReasonQuotaExceeded}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		bytes.NewBufferString(`{"kind":"generate","payload":{"prompt":"hi"}}`))
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "ADMISSION_DENIED", errorCode(t, body))

	errObj := body["error"].(map[string]any)
	details := errObj["details"].(map[string]any)
	assert.Equal(t, admission.ReasonQuotaExceeded, details["reason"])
}

func TestSubmitJob_InvalidBody(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString(`{not json`))
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, body))
}

// --- job status ---

func TestJobStatus_Found(t *testing.T) {
	env := setupRouter(t)
	env.queue.jobs[testJobID] = &models.Job{
		ID:       testJobID,
		TenantID: testTenantID,
		Kind:     models.JobKindGenerate,
		State:    models.JobStateCompleted,
		Result:   json.RawMessage(`{"asset_url":"https://assets.test/x.png"}`),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+testJobID.String(), nil)
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, models.JobStateCompleted, data["state"])
	result := data["result"].(map[string]any)
	assert.Equal(t, "https://assets.test/x.png", result["asset_url"])
}

func TestJobStatus_FailedJobCarriesError(t *testing.T) {
	env := setupRouter(t)
	env.queue.jobs[testJobID] = &models.Job{
		ID:       testJobID,
		TenantID: testTenantID,
		Kind:     models.JobKindGenerate,
		State:    models.JobStateFailed,
		Error:    json.RawMessage(`{"code":"content_policy","message":"rejected","retryable":false}`),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+testJobID.String(), nil)
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	jobErr := data["error"].(map[string]any)
	assert.Equal(t, "content_policy", jobErr["code"])
}

func TestJobStatus_NotFound(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, body))
}

func TestJobStatus_CrossTenantIsNotFound(t *testing.T) {
	env := setupRouter(t)
	env.queue.jobs[testJobID] = &models.Job{
		ID:       testJobID,
		TenantID: testTenantID,
		Kind:     models.JobKindGenerate,
		State:    models.JobStateQueued,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+testJobID.String(), nil)
	req.Header.Set("X-Tenant-ID", uuid.New().String())

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, body))
}

func TestJobStatus_MalformedID(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, body))
}

// --- upload ---

func multipartBody(t *testing.T, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUpload_Accepted(t *testing.T) {
	env := setupRouter(t)
	body, contentType := multipartBody(t, "photo.png", []byte("\x89PNG\r\n\x1a\nfakeimagedata"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, respBody := doRequest(t, env.router, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	data := respBody["data"].(map[string]any)
	asset := data["asset"].(map[string]any)
	assert.Equal(t, "photo.png", asset["file_name"])
	assert.NotEmpty(t, asset["url"])

	job := data["job"].(map[string]any)
	assert.Equal(t, models.JobKindUploadPostprocess, job["kind"])
	assert.Nil(t, data["admission"])

	assert.Equal(t, 1, env.objects.puts)
	require.Len(t, env.assets.created, 1)
	assert.Equal(t, testTenantID, env.assets.created[0].TenantID)
	require.Len(t, env.queue.submitted, 1)

	var payload models.UploadPostprocessPayload
	require.NoError(t, json.Unmarshal(env.queue.submitted[0].Payload, &payload))
	assert.Equal(t, env.assets.created[0].ID, payload.AssetID)
}

func TestUpload_MissingFile(t *testing.T) {
	env := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/upload", bytes.NewBufferString("plain body"))
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, body))
	assert.Zero(t, env.objects.puts)
}

func TestUpload_AdmissionDeniedStillStoresAsset(t *testing.T) {
	env := setupRouter(t)
	env.queue.submitErr = &admission.Error{Reason: admission.ReasonQuotaExceeded}

	body, contentType := multipartBody(t, "photo.png", []byte("imagedata"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", testTenantID.String())

	rec, respBody := doRequest(t, env.router, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	data := respBody["data"].(map[string]any)
	assert.NotNil(t, data["asset"])
	assert.Nil(t, data["job"], "no describe job when admission denies")
	require.Len(t, env.assets.created, 1)

	adm := data["admission"].(map[string]any)
	assert.Equal(t, true, adm["denied"])
	assert.Equal(t, admission.ReasonQuotaExceeded, adm["reason"])
}

// --- billing webhook ---

func signedWebhookRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/billing", bytes.NewReader(payload))
	req.Header.Set(billing.SignatureHeader, billing.SignPayload(payload, webhookSecret, time.Now()))
	return req
}

func TestBillingWebhook_UpdatesTenant(t *testing.T) {
	env := setupRouter(t)
	payload := []byte(fmt.Sprintf(
		`{"type":"subscription.updated","tenant_id":"%s","billing_status":"past_due"}`, testTenantID))

	rec, body := doRequest(t, env.router, signedWebhookRequest(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["received"])
	assert.Equal(t, "past_due", env.billing.updates[testTenantID])
}

// A cycle rotation carries no billing_status; it must rotate the cycle id
// without touching the tenant's status.
func TestBillingWebhook_CycleRotationLeavesStatusAlone(t *testing.T) {
	env := setupRouter(t)

	statusPayload := []byte(fmt.Sprintf(
		`{"type":"subscription.updated","tenant_id":"%s","billing_status":"active"}`, testTenantID))
	rec, _ := doRequest(t, env.router, signedWebhookRequest(t, statusPayload))
	require.Equal(t, http.StatusOK, rec.Code)

	rotatePayload := []byte(fmt.Sprintf(
		`{"type":"billing_cycle.rotated","tenant_id":"%s","billing_cycle_id":"cycle-2026-10"}`, testTenantID))
	rec, body := doRequest(t, env.router, signedWebhookRequest(t, rotatePayload))
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["received"])
	assert.Equal(t, "cycle-2026-10", env.billing.cycles[testTenantID])
	assert.Equal(t, "active", env.billing.updates[testTenantID], "rotation must not overwrite billing status")
}

func TestBillingWebhook_BadSignatureHasNoSideEffects(t *testing.T) {
	env := setupRouter(t)
	payload := []byte(fmt.Sprintf(
		`{"type":"subscription.updated","tenant_id":"%s","billing_status":"inactive"}`, testTenantID))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/billing", bytes.NewReader(payload))
	req.Header.Set(billing.SignatureHeader, billing.SignPayload(payload, "whsec_wrong", time.Now()))

	rec, body := doRequest(t, env.router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SIGNATURE_INVALID", errorCode(t, body))
	assert.Empty(t, env.billing.updates)
}

func TestBillingWebhook_UnknownEventAcknowledged(t *testing.T) {
	env := setupRouter(t)
	payload := []byte(fmt.Sprintf(
		`{"type":"invoice.created","tenant_id":"%s"}`, testTenantID))

	rec, body := doRequest(t, env.router, signedWebhookRequest(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["received"])
	assert.Empty(t, env.billing.updates)
}

func TestBillingWebhook_UnknownTenant(t *testing.T) {
	env := setupRouter(t)
	payload := []byte(fmt.Sprintf(
		`{"type":"subscription.updated","tenant_id":"%s","billing_status":"active"}`, uuid.New()))

	rec, body := doRequest(t, env.router, signedWebhookRequest(t, payload))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TENANT_NOT_FOUND", errorCode(t, body))
}
