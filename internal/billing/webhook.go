package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignatureHeader is the header carrying the webhook signature, in the form
// "t=<unix seconds>,v1=<hex hmac-sha256 of `<t>.<body>`>".
const SignatureHeader = "X-Vellum-Signature"

// DefaultSignatureTolerance bounds how stale a signed timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

// ErrSignatureInvalid means the webhook must be rejected before any
// processing: missing header, malformed header, bad MAC, or stale timestamp.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Webhook event types the pipeline reacts to.
const (
	EventSubscriptionUpdated = "subscription.updated"
	EventCycleRotated        = "billing_cycle.rotated"
)

// Event is a verified billing webhook payload.
type Event struct {
	Type           string    `json:"type"`
	TenantID       uuid.UUID `json:"tenant_id"`
	BillingStatus  string    `json:"billing_status,omitempty"`
	BillingCycleID string    `json:"billing_cycle_id,omitempty"`
}

// VerifySignature checks header against the HMAC of payload. It returns nil
// only for a well-formed, fresh, correctly signed request; callers must not
// touch the payload before this returns nil.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, SignatureHeader)
	}

	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed timestamp", ErrSignatureInvalid)
			}
			ts = n
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return fmt.Errorf("%w: header missing t or v1", ErrSignatureInvalid)
	}

	signedAt := time.Unix(ts, 0)
	if d := now.Sub(signedAt); d > tolerance || d < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
	}
	return nil
}

// SignPayload produces a signature header for payload. Used by tests and by
// local tooling that replays webhooks.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// ParseEvent decodes a verified payload. Call only after VerifySignature.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding webhook event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("webhook event missing type")
	}
	if ev.TenantID == uuid.Nil {
		return nil, fmt.Errorf("webhook event missing tenant_id")
	}
	return &ev, nil
}
