package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosettle/pkg/billing"
)

// Event is a verified webhook envelope. Both snapshot events (object inline under
// data.object) and versioned thin events (object referenced by related_object) decode into it.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool

	// Object is the raw data.object payload; empty for thin events
	Object json.RawMessage

	// RelatedObjectID is the id of the object a thin event refers to
	RelatedObjectID string
}

type eventEnvelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Created  json.RawMessage `json:"created"`
	Livemode bool            `json:"livemode"`
	Data     *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
	RelatedObject *struct {
		ID string `json:"id"`
	} `json:"related_object"`
}

// Verifier authenticates webhook payloads against an ordered list of signing secrets.
// Secrets are tried in order so a rotated secret and its replacement can both be active,
// as can separate platform and connected-account endpoints.
type Verifier struct {
	secrets   []string
	tolerance time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTolerance overrides the maximum accepted signature age.
func WithTolerance(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// NewVerifier creates a Verifier. Blank secrets are dropped; at least one must remain.
func NewVerifier(secrets []string, opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{tolerance: webhook.DefaultTolerance}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			v.secrets = append(v.secrets, s)
		}
	}
	if len(v.secrets) == 0 {
		return nil, fmt.Errorf("%w: no webhook signing secret", billing.ErrProviderNotConfigured)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks sigHeader against each secret in order and decodes the envelope on the first match.
// Returns billing.ErrInvalidWebhookSignature if no secret matches.
func (v *Verifier) Verify(payload []byte, sigHeader string) (*Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return nil, billing.ErrInvalidWebhookSignature
	}

	verified := false
	for _, secret := range v.secrets {
		if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, secret, v.tolerance); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, billing.ErrInvalidWebhookSignature
	}
	return parseEvent(payload)
}

func parseEvent(payload []byte) (*Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", billing.ErrInvalidWebhookPayload)
	}

	ev := &Event{
		ID:       env.ID,
		Type:     env.Type,
		Created:  parseCreated(env.Created),
		Livemode: env.Livemode,
	}
	if env.Data != nil {
		ev.Object = env.Data.Object
	}
	if env.RelatedObject != nil {
		ev.RelatedObjectID = env.RelatedObject.ID
	}
	return ev, nil
}

// parseCreated accepts unix seconds (snapshot events) and RFC 3339 strings (thin events).
func parseCreated(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	}
	secs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
