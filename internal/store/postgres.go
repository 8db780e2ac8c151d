package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vellumhq/pipeline/internal/admission"
	"github.com/vellumhq/pipeline/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, billing_status, plan_quota, billing_cycle_id, external_customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.BillingStatus, t.PlanQuota, t.BillingCycleID, t.ExternalCustomerID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, billing_status, plan_quota, billing_cycle_id, external_customer_id, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.BillingStatus, &t.PlanQuota, &t.BillingCycleID,
		&t.ExternalCustomerID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListActiveTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, billing_status, plan_quota, billing_cycle_id, external_customer_id, created_at, updated_at
		 FROM tenants WHERE billing_status = $1 ORDER BY created_at`, models.BillingStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.BillingStatus, &t.PlanQuota, &t.BillingCycleID,
			&t.ExternalCustomerID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// UpdateTenantBilling applies a billing event. Webhook events carry only the
// fields they change (a cycle rotation has no billing_status), so an empty
// string leaves that column untouched instead of wiping it.
func (s *PostgresStore) UpdateTenantBilling(ctx context.Context, id uuid.UUID, billingStatus, billingCycleID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET billing_status = COALESCE(NULLIF($2, ''), billing_status),
		        billing_cycle_id = COALESCE(NULLIF($3, ''), billing_cycle_id),
		        updated_at = NOW()
		 WHERE id = $1`, id, billingStatus, billingCycleID)
	if err != nil {
		return fmt.Errorf("update tenant billing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

// SubmitJob persists a job in the queued state, admission-gated. The tenant
// snapshot, the current-cycle usage sum, and the insert happen in one
// transaction so a concurrent cycle rotation or quota change cannot slip in
// between the check and the write. On denial no job row is created and the
// returned error wraps *admission.Error.
func (s *PostgresStore) SubmitJob(ctx context.Context, job *models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback(ctx)

	var t models.Tenant
	err = tx.QueryRow(ctx,
		`SELECT id, name, billing_status, plan_quota, billing_cycle_id, external_customer_id, created_at, updated_at
		 FROM tenants WHERE id = $1 FOR SHARE`, job.TenantID,
	).Scan(&t.ID, &t.Name, &t.BillingStatus, &t.PlanQuota, &t.BillingCycleID,
		&t.ExternalCustomerID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return admission.Decide(nil, 0)
	}
	if err != nil {
		return fmt.Errorf("submit: read tenant: %w", err)
	}

	var used int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM usage_records
		 WHERE tenant_id = $1 AND billing_cycle_id = $2`, t.ID, t.BillingCycleID,
	).Scan(&used)
	if err != nil {
		return fmt.Errorf("submit: read cycle usage: %w", err)
	}

	if err := admission.Decide(&t, used); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, kind, payload, state, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.TenantID, job.Kind, job.Payload, models.JobStateQueued, 0, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("submit: insert job: %w", err)
	}
	job.State = models.JobStateQueued
	job.Attempts = 0

	return tx.Commit(ctx)
}

const jobColumns = `id, tenant_id, kind, payload, state, result, error, attempts, worker_id, lease_expires_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.Kind, &j.Payload, &j.State, &j.Result, &j.Error,
		&j.Attempts, &j.WorkerID, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// DequeueJob claims the oldest queued job and transitions it to active with
// workerID as lease owner. FOR UPDATE SKIP LOCKED makes the claim safe under
// any number of concurrent workers: exactly one caller wins each job.
// Ordering is global FIFO by created_at, tenant-agnostic, so no tenant can
// starve the others.
func (s *PostgresStore) DequeueJob(ctx context.Context, workerID string, leaseExpiresAt time.Time) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET state = $1, worker_id = $2, lease_expires_at = $3, updated_at = NOW()
		 WHERE id = (
		   SELECT id FROM jobs WHERE state = $4
		   ORDER BY created_at, id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		models.JobStateActive, workerID, leaseExpiresAt.UTC(), models.JobStateQueued))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// CompleteJob transitions active -> completed and writes the usage records
// earned by the execution in the same transaction. The WHERE clause guards
// both state and lease ownership; a stale worker (lease already reaped and
// reclaimed) affects zero rows and gets ErrInvalidTransition.
func (s *PostgresStore) CompleteJob(ctx context.Context, jobID uuid.UUID, workerID string, result json.RawMessage, usage []*models.UsageRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET state = $3, result = $4, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND state = $5 AND worker_id = $2`,
		jobID, workerID, models.JobStateCompleted, result, models.JobStateActive)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID)
	}

	for _, u := range usage {
		_, err := tx.Exec(ctx,
			`INSERT INTO usage_records (id, tenant_id, event_type, quantity, billing_cycle_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			u.ID, u.TenantID, u.EventType, u.Quantity, u.BillingCycleID, u.CreatedAt)
		if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// FailJob handles a worker-reported failure. Retryable failures under the
// attempt limit go active -> queued with attempts incremented and the lease
// cleared; everything else goes active -> failed with the structured error
// attached. Returns whether the job was requeued.
func (s *PostgresStore) FailJob(ctx context.Context, jobID uuid.UUID, workerID string, jobErr models.JobError, retryable bool, maxAttempts int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts int
	err = tx.QueryRow(ctx,
		`SELECT attempts FROM jobs WHERE id = $1 AND state = $2 AND worker_id = $3 FOR UPDATE`,
		jobID, models.JobStateActive, workerID,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, s.transitionError(ctx, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("fail job: read attempts: %w", err)
	}

	if retryable && attempts < maxAttempts {
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET state = $2, attempts = attempts + 1, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
			 WHERE id = $1`, jobID, models.JobStateQueued)
		if err != nil {
			return false, fmt.Errorf("requeue job: %w", err)
		}
		return true, tx.Commit(ctx)
	}

	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return false, fmt.Errorf("marshal job error: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET state = $2, error = $3, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1`, jobID, models.JobStateFailed, errJSON)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return false, tx.Commit(ctx)
}

// ReapExpiredLeases requeues active jobs whose lease has expired, treating
// expiry as a retryable failure so a crashed worker cannot strand work. Jobs
// already at the attempt limit are failed instead of cycling forever.
func (s *PostgresStore) ReapExpiredLeases(ctx context.Context, maxAttempts int) ([]uuid.UUID, []uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin reap: %w", err)
	}
	defer tx.Rollback(ctx)

	requeued, err := collectIDs(tx.Query(ctx,
		`UPDATE jobs SET state = $1, attempts = attempts + 1, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE state = $2 AND lease_expires_at < NOW() AND attempts < $3
		 RETURNING id`,
		models.JobStateQueued, models.JobStateActive, maxAttempts))
	if err != nil {
		return nil, nil, fmt.Errorf("reap requeue: %w", err)
	}

	leaseErr, err := json.Marshal(models.JobError{
		Code:      "lease_expired",
		Message:   "worker lease expired and attempt limit reached",
		Retryable: false,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal lease error: %w", err)
	}

	failed, err := collectIDs(tx.Query(ctx,
		`UPDATE jobs SET state = $1, error = $2, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE state = $3 AND lease_expires_at < NOW() AND attempts >= $4
		 RETURNING id`,
		models.JobStateFailed, leaseErr, models.JobStateActive, maxAttempts))
	if err != nil {
		return nil, nil, fmt.Errorf("reap fail: %w", err)
	}

	return requeued, failed, tx.Commit(ctx)
}

// transitionError distinguishes an unknown job from one in the wrong state
// or held by another worker.
func (s *PostgresStore) transitionError(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func collectIDs(rows pgx.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Usage records ---

func (s *PostgresStore) ListUnreportedUsage(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, event_type, quantity, billing_cycle_id, external_usage_id, created_at
		 FROM usage_records
		 WHERE tenant_id = $1 AND external_usage_id IS NULL
		 ORDER BY created_at
		 LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unreported usage: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		var u models.UsageRecord
		if err := rows.Scan(&u.ID, &u.TenantID, &u.EventType, &u.Quantity,
			&u.BillingCycleID, &u.ExternalUsageID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, &u)
	}
	return records, rows.Err()
}

// MarkUsageReported stamps externalUsageID on the given records. The
// external_usage_id IS NULL guard makes the write idempotent: a record
// reported in an earlier cycle is never overwritten, so re-running the
// reporter against already-marked records is a no-op.
func (s *PostgresStore) MarkUsageReported(ctx context.Context, ids []uuid.UUID, externalUsageID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_records SET external_usage_id = $2
		 WHERE id = ANY($1) AND external_usage_id IS NULL`, ids, externalUsageID)
	if err != nil {
		return 0, fmt.Errorf("mark usage reported: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Assets ---

func (s *PostgresStore) CreateAsset(ctx context.Context, a *models.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, tenant_id, object_key, url, file_name, mime_type, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TenantID, a.ObjectKey, a.URL, a.FileName, a.MimeType, a.SizeBytes, a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Asset, error) {
	var a models.Asset
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, object_key, url, file_name, mime_type, size_bytes, description, created_at
		 FROM assets WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&a.ID, &a.TenantID, &a.ObjectKey, &a.URL, &a.FileName, &a.MimeType,
		&a.SizeBytes, &a.Description, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) SetAssetDescription(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, description string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET description = $3 WHERE id = $1 AND tenant_id = $2`, id, tenantID, description)
	if err != nil {
		return fmt.Errorf("set asset description: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
