package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosettle/pkg/billing"
)

func sign(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier([]string{"", "  "})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestVerifier_AnyConfiguredSecret(t *testing.T) {
	v, err := NewVerifier([]string{testSecret, "", testOtherSecret})
	require.NoError(t, err)
	payload := eventPayload(t, "evt_1", "account.updated", map[string]interface{}{"id": testExternalID})

	for _, secret := range []string{testSecret, testOtherSecret} {
		ev, err := v.Verify(payload, sign(payload, secret))
		require.NoError(t, err, secret)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, "account.updated", ev.Type)
		assert.False(t, ev.Created.IsZero())
		assert.NotEmpty(t, ev.Object)
	}
}

func TestVerifier_RejectsUnknownSecretAndTampering(t *testing.T) {
	v, err := NewVerifier([]string{testSecret})
	require.NoError(t, err)
	payload := eventPayload(t, "evt_1", "account.updated", map[string]interface{}{"id": testExternalID})

	_, err = v.Verify(payload, sign(payload, "whsec_attacker"))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	header := sign(payload, testSecret)
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = v.Verify(tampered, header)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	_, err = v.Verify(payload, "")
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
}

func TestVerifier_RejectsExpiredSignature(t *testing.T) {
	v, err := NewVerifier([]string{testSecret}, WithTolerance(time.Minute))
	require.NoError(t, err)
	payload := eventPayload(t, "evt_1", "account.updated", map[string]interface{}{"id": testExternalID})

	old := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now().Add(-time.Hour),
	})
	_, err = v.Verify(payload, old.Header)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
}

func TestVerifier_ThinEvent(t *testing.T) {
	v, err := NewVerifier([]string{testSecret})
	require.NoError(t, err)
	payload := []byte(`{"id":"evt_thin_1","object":"v2.core.event","type":"v2.core.account.updated",` +
		`"created":"2026-10-01T12:00:00.000Z","livemode":false,` +
		`"related_object":{"id":"acct_1Seller","type":"v2.core.account","url":"/v2/core/accounts/acct_1Seller"}}`)

	ev, err := v.Verify(payload, sign(payload, testSecret))
	require.NoError(t, err)
	assert.Equal(t, "acct_1Seller", ev.RelatedObjectID)
	assert.Equal(t, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), ev.Created)
	assert.Empty(t, ev.Object)
}

func TestVerifier_VerifiedButMalformed(t *testing.T) {
	v, err := NewVerifier([]string{testSecret})
	require.NoError(t, err)
	payload := []byte(`{"object":"event"}`)

	_, err = v.Verify(payload, sign(payload, testSecret))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
}

func TestParseCreated(t *testing.T) {
	assert.Equal(t, time.Unix(1790000000, 0).UTC(), parseCreated([]byte("1790000000")))
	assert.True(t, parseCreated(nil).IsZero())
	assert.True(t, parseCreated([]byte(`"not a time"`)).IsZero())
}

