package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gosettle/pkg/billing"
	"github.com/mihaimyh/gosettle/pkg/billing/internal"
	"github.com/mihaimyh/gosettle/pkg/settle"
)

type webhookAck struct {
	Received bool   `json:"received"`
	Family   Family `json:"family"`
	Status   string `json:"status"`
}

// handleWebhook verifies, classifies and reconciles a single delivery.
// Any verified event is acknowledged with 200 unless a dependency failed,
// in which case 500 asks the producer to redeliver.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.verifier == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, billing.ErrInvalidWebhookSignature) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}
	if err != nil {
		// Redelivery cannot repair a signed envelope; acknowledge it as unhandled.
		p.logger.Warn("acknowledging verified webhook with undecodable envelope", settle.F("error", err))
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.metrics.RecordWebhookEvent(providerName, string(FamilyUnhandled), "skipped")
		_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Family: FamilyUnhandled, Status: "skipped"})
		return
	}

	family := Classify(event.Type)
	status, err := p.dispatch(r.Context(), event, family)
	duration := time.Since(startTime)
	p.metrics.RecordWebhookProcessingDuration(providerName, string(family), duration)

	if err != nil {
		errorType := "processing_error"
		if errors.Is(err, settle.ErrUpstreamUnavailable) {
			errorType = "upstream_unavailable"
		}
		p.logger.Error("webhook processing failed",
			settle.F("event_id", event.ID),
			settle.F("event_type", event.Type),
			settle.F("family", family),
			settle.F("error", err))
		p.metrics.RecordWebhookEvent(providerName, string(family), "error")
		p.metrics.RecordWebhookError(providerName, errorType)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, string(family), status)
	_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Family: family, Status: status})
}

// dispatch routes event to its family handler. The returned status is "success" when
// state was reconciled and "skipped" when the event was acknowledged without mutation.
func (p *Provider) dispatch(ctx context.Context, event *Event, family Family) (string, error) {
	var err error
	switch family {
	case FamilyAccountStatus:
		err = p.handleAccountStatus(ctx, event)
	case FamilyCheckoutCompleted:
		err = p.handleCheckoutCompleted(ctx, event)
	case FamilySubscriptionLifecycle:
		err = p.handleSubscriptionLifecycle(ctx, event)
	default:
		if like, ok := ResemblesKnownFamily(event.Type); ok {
			p.logger.Warn("unhandled event type resembles a known family",
				settle.F("event_id", event.ID),
				settle.F("event_type", event.Type),
				settle.F("resembles", like))
		} else {
			p.logger.Debug("ignoring unhandled event type",
				settle.F("event_id", event.ID),
				settle.F("event_type", event.Type))
		}
		return "skipped", nil
	}

	switch {
	case err == nil:
		return "success", nil
	case errors.Is(err, settle.ErrCorrelationMissing):
		// Redelivery cannot fix missing metadata; acknowledge so the producer stops retrying.
		p.logger.Warn("acknowledging event without correlation metadata",
			settle.F("event_id", event.ID),
			settle.F("event_type", event.Type),
			settle.F("error", err))
		return "skipped", nil
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		p.logger.Warn("acknowledging event with undecodable payload as unhandled",
			settle.F("event_id", event.ID),
			settle.F("event_type", event.Type),
			settle.F("error", err))
		return "skipped", nil
	default:
		return "", err
	}
}

func (p *Provider) handleAccountStatus(ctx context.Context, event *Event) error {
	update, err := decodeAccountUpdate(event)
	if err != nil {
		return err
	}

	caps := update.Capabilities
	if caps == nil {
		acct, err := p.fetchAccount(ctx, update.ExternalAccountID)
		if err != nil {
			return err
		}
		c := capabilitiesOf(acct)
		caps = &c
	}

	acct, err := p.onboarding.ApplyCapabilities(ctx, update.ExternalAccountID, *caps)
	if err != nil || acct == nil {
		return err
	}
	p.notify(ctx, billing.WebhookEvent{
		EventID:          event.ID,
		EventType:        event.Type,
		Family:           string(FamilyAccountStatus),
		EventTimestamp:   event.Created,
		AccountID:        acct.ID,
		OnboardingStatus: acct.OnboardingStatus,
	})
	return nil
}

func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	completion, err := decodeCheckoutCompletion(event)
	if err != nil {
		return err
	}
	order, err := p.materializer.Materialize(ctx, *completion)
	if err != nil {
		return err
	}
	p.notify(ctx, billing.WebhookEvent{
		EventID:        event.ID,
		EventType:      event.Type,
		Family:         string(FamilyCheckoutCompleted),
		EventTimestamp: event.Created,
		AccountID:      order.SellerID,
		Order:          order,
	})
	return nil
}

func (p *Provider) handleSubscriptionLifecycle(ctx context.Context, event *Event) error {
	change, err := decodeSubscriptionChange(event)
	if err != nil {
		return err
	}
	return p.reconciler.Reconcile(ctx, *change)
}
