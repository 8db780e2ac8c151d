// Package admission gates job submission on a tenant's billing and quota
// state. The decision is a pure function over a snapshot of the tenant row
// and its current-cycle usage; the store is responsible for reading that
// snapshot in the same transaction that persists the job, so concurrent
// submissions cannot over-admit.
package admission

import (
	"errors"
	"fmt"

	"github.com/vellumhq/pipeline/pkg/models"
)

const (
	ReasonBillingInactive = "billing_inactive"
	ReasonQuotaExceeded   = "quota_exceeded"
	ReasonTenantUnknown   = "tenant_unknown"
)

// Error is returned when a tenant may not enqueue new work. It is
// user-correctable (upgrade plan, fix billing) and surfaces to the caller as
// a structured 403 response.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// AsError unwraps an admission Error from err, or returns nil.
func AsError(err error) *Error {
	var admErr *Error
	if errors.As(err, &admErr) {
		return admErr
	}
	return nil
}

// Decide checks whether a tenant may submit one more job. tenant may be nil
// when the tenant row does not exist. usedThisCycle is the summed quantity of
// UsageRecords for the tenant's current billing cycle, read transactionally
// with the submission. A PlanQuota of 0 or less means unlimited.
func Decide(tenant *models.Tenant, usedThisCycle int64) error {
	if tenant == nil {
		return &Error{Reason: ReasonTenantUnknown}
	}
	if tenant.BillingStatus != models.BillingStatusActive {
		return &Error{Reason: ReasonBillingInactive}
	}
	if tenant.PlanQuota > 0 && usedThisCycle >= tenant.PlanQuota {
		return &Error{Reason: ReasonQuotaExceeded}
	}
	return nil
}
