package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeGeneration  = "ai_generation"
	EventTypeDescription = "ai_description"
)

// UsageRecord is a billable event derived from job execution. Records are
// written in the same transaction as the job completion that produced them,
// and become immutable once ExternalUsageID is set by the reporter.
type UsageRecord struct {
	ID              uuid.UUID `db:"id"                json:"id"`
	TenantID        uuid.UUID `db:"tenant_id"         json:"tenant_id"`
	EventType       string    `db:"event_type"        json:"event_type"`
	Quantity        int64     `db:"quantity"          json:"quantity"`
	BillingCycleID  string    `db:"billing_cycle_id"  json:"billing_cycle_id"`
	ExternalUsageID *string   `db:"external_usage_id" json:"external_usage_id,omitempty"`
	CreatedAt       time.Time `db:"created_at"        json:"created_at"`
}
