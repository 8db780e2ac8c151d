// Package billing talks to the external billing system: usage reporting with
// idempotency keys, subscription lookups, and webhook signature verification.
package billing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/config"
)

// Sentinel errors for billing API failures.
var (
	ErrBillingUnavailable = errors.New("billing system unavailable")
	ErrBillingRejected    = errors.New("billing system rejected request")
)

// UsageReport is one grouped batch of usage for a tenant and event type.
// IdempotencyKey must be derived from the batch content so a retried report
// is billed at most once.
type UsageReport struct {
	TenantID       uuid.UUID
	CustomerID     string
	EventType      string
	Quantity       int64
	IdempotencyKey string
}

// Client is the external billing system interface.
type Client interface {
	// ReportUsage submits a usage batch and returns the external usage record id.
	ReportUsage(ctx context.Context, report UsageReport) (string, error)
	// SubscriptionStatus returns the billing status for an external customer.
	SubscriptionStatus(ctx context.Context, customerID string) (string, error)
}

// HTTPClient implements Client against the billing provider's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new billing HTTP client.
func NewHTTPClient(cfg config.BillingConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ReportUsage(ctx context.Context, report UsageReport) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"customer_id": report.CustomerID,
		"event_type":  report.EventType,
		"quantity":    report.Quantity,
		"tenant_id":   report.TenantID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding usage report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/usage_records", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", report.IdempotencyKey)

	raw, err := c.do(req)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding usage response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: response missing usage record id", ErrBillingRejected)
	}
	return resp.ID, nil
}

func (c *HTTPClient) SubscriptionStatus(ctx context.Context, customerID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/customers/"+customerID+"/subscription", nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, err := c.do(req)
	if err != nil {
		return "", err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding subscription response: %w", err)
	}
	return resp.Status, nil
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: timeout: %v", ErrBillingUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBillingUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrBillingRejected, resp.StatusCode, raw)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrBillingUnavailable, resp.StatusCode)
	}
}

// IdempotencyKey derives a deterministic key from a batch's identity: the
// tenant, the event type, and the exact set of record ids it covers. The same
// batch always yields the same key, so a crash between "report sent" and
// "records marked" leads to at most a duplicate attempt, never a duplicate
// charge.
func IdempotencyKey(tenantID uuid.UUID, eventType string, recordIDs []uuid.UUID) string {
	ids := make([]string, len(recordIDs))
	for i, id := range recordIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(tenantID.String()))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return "usage_" + hex.EncodeToString(h.Sum(nil))[:32]
}

var _ Client = (*HTTPClient)(nil)
