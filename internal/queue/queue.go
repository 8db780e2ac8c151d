// Package queue is the submission and transition surface of the job
// pipeline. It owns job identity and timestamps, delegates every state
// transition to the store (which arbitrates them transactionally), and
// mirrors state changes into the Redis status cache so other processes can
// watch a job cheaply.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/cache"
	"github.com/vellumhq/pipeline/internal/config"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/pkg/models"
)

// ErrUnknownKind is returned by Submit for a kind outside the supported set.
var ErrUnknownKind = errors.New("unknown job kind")

// Status cache entries outlive any reasonable polling interval but do not
// accumulate forever.
const statusCacheTTL = 30 * time.Minute

// Queue coordinates job submission, claiming, and completion against the
// durable store. Safe for concurrent use from any number of processes.
type Queue struct {
	store store.Store
	cache cache.Cache
	cfg   config.QueueConfig
}

// New creates a Queue.
func New(st store.Store, ca cache.Cache, cfg config.QueueConfig) *Queue {
	return &Queue{store: st, cache: ca, cfg: cfg}
}

// Submit validates the kind, runs admission, and persists a new queued job.
// On admission denial no job record is created and the error unwraps to
// *admission.Error. Submission never waits for worker availability.
func (q *Queue) Submit(ctx context.Context, tenantID uuid.UUID, kind string, payload json.RawMessage) (*models.Job, error) {
	if !models.ValidJobKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
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

	if err := q.store.SubmitJob(ctx, job); err != nil {
		return nil, err
	}

	q.cacheState(ctx, job.ID, models.JobStateQueued)
	slog.Info("job submitted", "job_id", job.ID, "tenant_id", tenantID, "kind", kind)
	return job, nil
}

// Dequeue claims the oldest queued job for workerID, leasing it until the
// configured lease timeout elapses. Returns store.ErrQueueEmpty when there
// is nothing to do.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := q.store.DequeueJob(ctx, workerID, time.Now().UTC().Add(q.cfg.LeaseTimeout))
	if err != nil {
		return nil, err
	}
	q.cacheState(ctx, job.ID, models.JobStateActive)
	return job, nil
}

// Complete transitions the job to completed with the given result, writing
// any usage records in the same transaction.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage, usage []*models.UsageRecord) error {
	if err := q.store.CompleteJob(ctx, jobID, workerID, result, usage); err != nil {
		return err
	}
	q.cacheState(ctx, jobID, models.JobStateCompleted)
	return nil
}

// Fail reports a handler failure. Retryable failures under the attempt limit
// put the job back in the queue; everything else is terminal.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, workerID string, jobErr models.JobError) error {
	requeued, err := q.store.FailJob(ctx, jobID, workerID, jobErr, jobErr.Retryable, q.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if requeued {
		q.cacheState(ctx, jobID, models.JobStateQueued)
		slog.Info("job requeued", "job_id", jobID, "code", jobErr.Code)
	} else {
		q.cacheState(ctx, jobID, models.JobStateFailed)
		slog.Warn("job failed", "job_id", jobID, "code", jobErr.Code, "message", jobErr.Message)
	}
	return nil
}

// Status returns the latest committed state of a job. Always reads the
// store: the cache entry is a hint for out-of-process watchers, not a
// substitute for the tenant-scoped read.
func (q *Queue) Status(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	job, err := q.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	q.cacheState(ctx, job.ID, job.State)
	return job, nil
}

// RunReaper requeues expired leases every interval until ctx is cancelled.
// Exactly one reaper per deployment is not required: the store-side
// conditions make concurrent reapers harmless.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, failed, err := q.store.ReapExpiredLeases(ctx, q.cfg.MaxAttempts)
			if err != nil {
				slog.Error("lease reaper error", "error", err)
				continue
			}
			for _, id := range requeued {
				q.cacheState(ctx, id, models.JobStateQueued)
			}
			for _, id := range failed {
				q.cacheState(ctx, id, models.JobStateFailed)
			}
			if len(requeued) > 0 || len(failed) > 0 {
				slog.Info("reaped expired leases", "requeued", len(requeued), "failed", len(failed))
			}
		}
	}
}

// cacheState is best effort; a cache outage never blocks a transition.
func (q *Queue) cacheState(ctx context.Context, jobID uuid.UUID, state string) {
	if err := q.cache.SetJobStatus(ctx, jobID, state, statusCacheTTL); err != nil {
		slog.Warn("job status cache write failed", "job_id", jobID, "error", err)
	}
}
