package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrQueueEmpty is returned by DequeueJob when no job is in the queued state.
	ErrQueueEmpty = errors.New("no queued jobs")

	// ErrInvalidTransition is returned when a job transition is requested from
	// the wrong state or by a worker that does not hold the lease. It indicates
	// a race or programming error and is logged, never surfaced to end users.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Tenants. Billing fields are written only by the webhook path. An empty
	// billingStatus or billingCycleID means "no change" for that field, since
	// webhook events carry only the fields they rotate.
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ListActiveTenants(ctx context.Context) ([]*models.Tenant, error)
	UpdateTenantBilling(ctx context.Context, id uuid.UUID, billingStatus, billingCycleID string) error

	// Jobs. The store arbitrates every state transition: SubmitJob runs the
	// admission check and the insert in one transaction, DequeueJob claims
	// atomically under concurrent workers, and CompleteJob/FailJob guard
	// state and lease ownership.
	SubmitJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	DequeueJob(ctx context.Context, workerID string, leaseExpiresAt time.Time) (*models.Job, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage, usage []*models.UsageRecord) error
	FailJob(ctx context.Context, jobID uuid.UUID, workerID string, jobErr models.JobError, retryable bool, maxAttempts int) (requeued bool, err error)
	ReapExpiredLeases(ctx context.Context, maxAttempts int) (requeued, failed []uuid.UUID, err error)

	// Usage records are created by CompleteJob; the reporter reads and marks them.
	ListUnreportedUsage(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.UsageRecord, error)
	MarkUsageReported(ctx context.Context, ids []uuid.UUID, externalUsageID string) (int64, error)

	// Assets.
	CreateAsset(ctx context.Context, a *models.Asset) error
	GetAsset(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Asset, error)
	SetAssetDescription(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, description string) error
}
