package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/vellumhq/pipeline/internal/api/middleware"
	"github.com/vellumhq/pipeline/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	SubmitJobHandler http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	UploadHandler    http.HandlerFunc
	BillingWebhook   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Billing provider callbacks authenticate via payload signature, not tenant
	r.Post("/api/v1/webhooks/billing", orNotImplemented(deps.BillingWebhook))

	// Tenant-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireTenant)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Post("/api/v1/jobs/upload", orNotImplemented(deps.UploadHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
	})

	return r
}

// JobIDParam extracts the jobID path parameter from a request routed here.
func JobIDParam(r *http.Request) string {
	return chi.URLParam(r, "jobID")
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
