package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/vellumhq/pipeline/internal/api/response"
)

// Recovery converts handler panics into a 500 error response. Worker-side
// panics are handled separately by the pool; this covers the HTTP surface.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"tenant_id", r.Header.Get(TenantHeader),
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
