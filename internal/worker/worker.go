// Package worker runs the pull loops that execute jobs. Any number of pools
// across any number of processes may share one queue; no worker-local state
// survives a job across retries.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/ai/aierr"
	"github.com/vellumhq/pipeline/internal/config"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/pkg/models"
)

// JobQueue is the subset of the queue the pool drives. *queue.Queue satisfies it.
type JobQueue interface {
	Dequeue(ctx context.Context, workerID string) (*models.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage, usage []*models.UsageRecord) error
	Fail(ctx context.Context, jobID uuid.UUID, workerID string, jobErr models.JobError) error
}

// Handler executes one job kind. Handlers return the result to store plus any
// usage records earned, which the queue commits atomically with completion.
type Handler interface {
	Kind() string
	Handle(ctx context.Context, job *models.Job) (json.RawMessage, []*models.UsageRecord, error)
}

// PermanentError marks a failure that must not be retried: malformed payload,
// policy rejection, missing referenced entity.
type PermanentError struct {
	Code string
	Err  error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Pool runs concurrent pull loops against the shared queue.
type Pool struct {
	queue        JobQueue
	handlers     map[string]Handler
	id           string
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	drainTimeout time.Duration
}

// NewPool creates a Pool with a process-unique worker id. The job execution
// timeout is the queue's lease timeout: running past it means the lease may
// already be reaped, so there is no point continuing.
func NewPool(q JobQueue, wcfg config.WorkerConfig, qcfg config.QueueConfig, handlers ...Handler) *Pool {
	hm := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		hm[h.Kind()] = h
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return &Pool{
		queue:        q,
		handlers:     hm,
		id:           fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		concurrency:  wcfg.Concurrency,
		pollInterval: qcfg.PollInterval,
		jobTimeout:   qcfg.LeaseTimeout,
		drainTimeout: wcfg.DrainTimeout,
	}
}

// ID returns the pool's worker id, the lease owner recorded on claimed jobs.
func (p *Pool) ID() string { return p.id }

// Run pulls and executes jobs until ctx is cancelled, then drains: no new
// claims, but jobs already under lease run to completion within the drain
// timeout. Blowing the drain timeout abandons the leases to the reaper,
// which is the same outcome as a crash.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("worker pool starting", "worker_id", p.id, "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	slog.Info("worker pool draining", "worker_id", p.id, "timeout", p.drainTimeout)
	select {
	case <-done:
		slog.Info("worker pool drained", "worker_id", p.id)
	case <-time.After(p.drainTimeout):
		slog.Warn("drain timeout exceeded, abandoning leases to the reaper", "worker_id", p.id)
	}
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.id)
		if errors.Is(err, store.ErrQueueEmpty) {
			p.sleep(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("dequeue error", "worker_id", p.id, "error", err)
			}
			p.sleep(ctx)
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

// process executes one claimed job. Execution is detached from the loop
// context so a shutdown signal does not abort a half-done job mid-write; the
// lease timeout bounds it instead.
func (p *Pool) process(ctx context.Context, job *models.Job) {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout)
	defer cancel()

	start := time.Now()
	slog.Info("job started", "worker_id", p.id, "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.reportFailure(execCtx, job, models.JobError{
			Code:    "unknown_kind",
			Message: fmt.Sprintf("no handler registered for kind %q", job.Kind),
		})
		return
	}

	result, usage, err := p.safeHandle(execCtx, handler, job)
	if err != nil {
		p.reportFailure(execCtx, job, Classify(err))
		return
	}

	if err := p.queue.Complete(execCtx, job.ID, p.id, result, usage); err != nil {
		p.logTransitionError(job, "complete", err)
		return
	}
	slog.Info("job completed", "worker_id", p.id, "job_id", job.ID, "kind", job.Kind,
		"duration_ms", time.Since(start).Milliseconds())
}

// safeHandle converts handler panics into permanent failures so one bad
// payload cannot take down the loop.
func (p *Pool) safeHandle(ctx context.Context, h Handler, job *models.Job) (result json.RawMessage, usage []*models.UsageRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "worker_id", p.id, "job_id", job.ID, "panic", r)
			err = &PermanentError{Code: "handler_panic", Err: fmt.Errorf("%v", r)}
		}
	}()
	return h.Handle(ctx, job)
}

func (p *Pool) reportFailure(ctx context.Context, job *models.Job, jobErr models.JobError) {
	if err := p.queue.Fail(ctx, job.ID, p.id, jobErr); err != nil {
		p.logTransitionError(job, "fail", err)
	}
}

// logTransitionError records invariant violations: a transition refused
// because the lease was reaped and possibly reclaimed while we ran. The
// queue's arbitration already protected the job; nothing to do but log.
func (p *Pool) logTransitionError(job *models.Job, op string, err error) {
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		slog.Error("job transition rejected", "worker_id", p.id, "job_id", job.ID, "op", op, "error", err)
		return
	}
	slog.Error("job transition error", "worker_id", p.id, "job_id", job.ID, "op", op, "error", err)
}

// Classify maps a handler error to the structured job error, deciding
// retryability. Transient infrastructure errors retry; payload, policy, and
// capability errors do not. Unknown errors default to retryable so flaky
// infrastructure is not misread as a bad job.
func Classify(err error) models.JobError {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return models.JobError{Code: perm.Code, Message: err.Error(), Retryable: false}
	}

	code := "execution_error"
	switch {
	case errors.Is(err, aierr.ErrRateLimited):
		code = "rate_limited"
	case errors.Is(err, aierr.ErrInferenceTimeout), errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	case errors.Is(err, aierr.ErrProviderUnavailable):
		code = "provider_unavailable"
	case errors.Is(err, aierr.ErrInvalidPrompt):
		code = "invalid_prompt"
	case errors.Is(err, aierr.ErrContentPolicy):
		code = "content_policy"
	case errors.Is(err, aierr.ErrUnsupportedOperation):
		code = "unsupported_operation"
	}

	return models.JobError{Code: code, Message: err.Error(), Retryable: !aierr.Permanent(err)}
}
