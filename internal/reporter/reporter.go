package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/billing"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/pkg/models"
)

// Reporter pushes unreported usage records to the billing provider in
// per-tenant batches. A failure for one tenant never blocks the rest.
type Reporter struct {
	store     store.Store
	billing   billing.Client
	batchSize int
}

// Summary counts what a single run accomplished.
type Summary struct {
	TenantsProcessed int
	RecordsReported  int
	TenantsFailed    int
}

func New(st store.Store, client billing.Client, batchSize int) *Reporter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reporter{store: st, billing: client, batchSize: batchSize}
}

// Run performs a single reporting pass over every active tenant.
func (r *Reporter) Run(ctx context.Context) (*Summary, error) {
	tenants, err := r.store.ListActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}

	summary := &Summary{}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		reported, err := r.reportTenant(ctx, tenant)
		if err != nil {
			summary.TenantsFailed++
			slog.Error("usage reporting failed for tenant",
				"tenant_id", tenant.ID, "error", err)
			continue
		}
		summary.TenantsProcessed++
		summary.RecordsReported += reported
	}

	slog.Info("usage reporting run complete",
		"tenants_processed", summary.TenantsProcessed,
		"records_reported", summary.RecordsReported,
		"tenants_failed", summary.TenantsFailed)
	return summary, nil
}

// reportTenant drains one batch of unreported records for a tenant, grouped
// by event type so each billing call carries a single aggregated quantity.
func (r *Reporter) reportTenant(ctx context.Context, tenant *models.Tenant) (int, error) {
	records, err := r.store.ListUnreportedUsage(ctx, tenant.ID, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unreported usage: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	groups := make(map[string][]*models.UsageRecord)
	for _, rec := range records {
		groups[rec.EventType] = append(groups[rec.EventType], rec)
	}

	reported := 0
	for eventType, group := range groups {
		ids := make([]uuid.UUID, 0, len(group))
		var quantity int64
		for _, rec := range group {
			ids = append(ids, rec.ID)
			quantity += rec.Quantity
		}

		externalID, err := r.billing.ReportUsage(ctx, billing.UsageReport{
			TenantID:       tenant.ID,
			CustomerID:     tenant.ExternalCustomerID,
			EventType:      eventType,
			Quantity:       quantity,
			IdempotencyKey: billing.IdempotencyKey(tenant.ID, eventType, ids),
		})
		if err != nil {
			return reported, fmt.Errorf("reporting %s usage: %w", eventType, err)
		}

		marked, err := r.store.MarkUsageReported(ctx, ids, externalID)
		if err != nil {
			return reported, fmt.Errorf("marking %s usage reported: %w", eventType, err)
		}
		reported += int(marked)
		slog.Info("usage batch reported",
			"tenant_id", tenant.ID,
			"event_type", eventType,
			"quantity", quantity,
			"records", marked,
			"external_usage_id", externalID)
	}
	return reported, nil
}

// RunEvery runs reporting passes on a fixed interval until ctx is canceled.
func (r *Reporter) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("usage reporting run failed", "error", err)
			}
		}
	}
}
