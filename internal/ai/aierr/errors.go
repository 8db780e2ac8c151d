// Package aierr holds the provider failure sentinels. It sits below the
// provider packages and the factory so both sides can import it.
package aierr

import "errors"

// The worker pool classifies these: rate limits, unavailability, and timeouts
// are retried; prompt, policy, and unsupported-operation errors fail the job
// permanently.
var (
	ErrRateLimited         = errors.New("ai provider rate limited")
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")

	ErrInvalidPrompt        = errors.New("ai provider rejected prompt")
	ErrContentPolicy        = errors.New("ai provider content policy violation")
	ErrUnsupportedOperation = errors.New("operation not supported by provider")
)

// Permanent reports whether err can never succeed on retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidPrompt) ||
		errors.Is(err, ErrContentPolicy) ||
		errors.Is(err, ErrUnsupportedOperation)
}
