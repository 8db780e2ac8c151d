package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	BillingStatusActive   = "active"
	BillingStatusInactive = "inactive"
	BillingStatusPastDue  = "past_due"
)

// Tenant is the billing view of an organization. Every job, asset, and usage
// record belongs to exactly one tenant. Billing fields are mutated only by the
// webhook path; the pipeline reads them for admission decisions.
type Tenant struct {
	ID                 uuid.UUID `db:"id"                   json:"id"`
	Name               string    `db:"name"                 json:"name"`
	BillingStatus      string    `db:"billing_status"       json:"billing_status"`
	PlanQuota          int64     `db:"plan_quota"           json:"plan_quota"`
	BillingCycleID     string    `db:"billing_cycle_id"     json:"billing_cycle_id"`
	ExternalCustomerID string    `db:"external_customer_id" json:"external_customer_id"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"           json:"updated_at"`
}
