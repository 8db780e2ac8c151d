package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/api/response"
)

// TenantHeader carries the caller's tenant identity. Gateway-level auth is
// expected to have validated it before requests reach this service.
const TenantHeader = "X-Tenant-ID"

// RequireTenant rejects requests without a well-formed tenant header and puts
// the parsed tenant ID on the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			response.Error(w, http.StatusBadRequest,
				"TENANT_REQUIRED", "Missing "+TenantHeader+" header", nil)
			return
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest,
				"TENANT_INVALID", "Malformed "+TenantHeader+" header", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetTenantID(r.Context(), id)))
	})
}
