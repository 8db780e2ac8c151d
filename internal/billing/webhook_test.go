package billing_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vellumhq/pipeline/internal/billing"
)

const testSecret = "whsec_test_secret"

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated"}`)
	now := time.Now()
	header := billing.SignPayload(payload, testSecret, now)

	err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultSignatureTolerance)
	assert.NoError(t, err)
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated"}`)
	now := time.Now()
	header := billing.SignPayload(payload, "whsec_other", now)

	err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultSignatureTolerance)
	assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated","billing_status":"inactive"}`)
	now := time.Now()
	header := billing.SignPayload(payload, testSecret, now)

	tampered := []byte(`{"type":"subscription.updated","billing_status":"active"}`)
	err := billing.VerifySignature(tampered, header, testSecret, now, billing.DefaultSignatureTolerance)
	assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	header := billing.SignPayload(payload, testSecret, now.Add(-10*time.Minute))

	err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultSignatureTolerance)
	assert.ErrorIs(t, err, billing.ErrSignatureInvalid)

	// Future-dated timestamps are rejected too
	header = billing.SignPayload(payload, testSecret, now.Add(10*time.Minute))
	err = billing.VerifySignature(payload, header, testSecret, now, billing.DefaultSignatureTolerance)
	assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
}

func TestVerifySignature_MalformedHeader(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()

	for _, header := range []string{
		"",
		"garbage",
		"t=notanumber,v1=abc",
		"t=1700000000",
		"v1=deadbeef",
	} {
		err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultSignatureTolerance)
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid, "header %q", header)
	}
}

func TestParseEvent(t *testing.T) {
	tenantID := uuid.New()
	payload := []byte(fmt.Sprintf(
		`{"type":"subscription.updated","tenant_id":"%s","billing_status":"past_due"}`, tenantID))

	ev, err := billing.ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, billing.EventSubscriptionUpdated, ev.Type)
	assert.Equal(t, tenantID, ev.TenantID)
	assert.Equal(t, "past_due", ev.BillingStatus)
}

func TestParseEvent_Invalid(t *testing.T) {
	_, err := billing.ParseEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = billing.ParseEvent([]byte(`{"tenant_id":"` + uuid.New().String() + `"}`))
	assert.Error(t, err, "missing type")

	_, err = billing.ParseEvent([]byte(`{"type":"billing_cycle.rotated"}`))
	assert.Error(t, err, "missing tenant_id")
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	tenantID := uuid.New()
	a := uuid.New()
	b := uuid.New()

	key1 := billing.IdempotencyKey(tenantID, "ai_generation", []uuid.UUID{a, b})
	key2 := billing.IdempotencyKey(tenantID, "ai_generation", []uuid.UUID{b, a})
	assert.Equal(t, key1, key2, "record order must not matter")
	assert.Contains(t, key1, "usage_")

	// Different inputs produce different keys
	assert.NotEqual(t, key1, billing.IdempotencyKey(tenantID, "ai_description", []uuid.UUID{a, b}))
	assert.NotEqual(t, key1, billing.IdempotencyKey(uuid.New(), "ai_generation", []uuid.UUID{a, b}))
	assert.NotEqual(t, key1, billing.IdempotencyKey(tenantID, "ai_generation", []uuid.UUID{a}))
}
