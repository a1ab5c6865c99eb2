package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/stoik/guardian/services/guardian-service/internal/models"
)

const (
	productName = "Email Access Fee"
	currency    = "usd"
)

// Stripe implements Gateway with Stripe payment links.
type Stripe struct {
	sc         *client.API
	configured bool
	successURL string
}

// NewStripe creates a Stripe gateway. backends may be nil to use the
// default Stripe API endpoints. An empty key yields a gateway whose calls
// fail with ErrNotConfigured.
func NewStripe(secretKey, successURL string, backends *stripe.Backends) *Stripe {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &Stripe{
		sc:         sc,
		configured: secretKey != "",
		successURL: successURL,
	}
}

// CreatePaymentLink implements Gateway. A one-off price is created for the
// requested amount, then a link selling one unit of it.
func (s *Stripe) CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error) {
	if !s.configured {
		return nil, ErrNotConfigured
	}

	priceParams := &stripe.PriceParams{
		Currency:   stripe.String(currency),
		UnitAmount: stripe.Int64(req.AmountCents),
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(fmt.Sprintf("%s (%s)", productName, req.CharityName)),
		},
	}
	priceParams.Context = ctx
	price, err := s.sc.Prices.New(priceParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create price: %w", err)
	}

	params := &stripe.PaymentLinkParams{
		LineItems: []*stripe.PaymentLinkLineItemParams{
			{
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	if s.successURL != "" {
		params.AfterCompletion = &stripe.PaymentLinkAfterCompletionParams{
			Type: stripe.String(string(stripe.PaymentLinkAfterCompletionTypeRedirect)),
			Redirect: &stripe.PaymentLinkAfterCompletionRedirectParams{
				URL: stripe.String(s.successURL),
			},
		}
	}
	for k, v := range req.Metadata() {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	pl, err := s.sc.PaymentLinks.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment link: %w", err)
	}
	return &Link{ID: pl.ID, URL: pl.URL}, nil
}

// ParseWebhook verifies a Stripe webhook signature and converts
// checkout.session.completed and payment_intent.succeeded events into a
// Notification. Other event types return ErrIgnoredEvent, as do payment
// intents without inbox-access metadata: a payment link purchase reports
// its metadata on the checkout session only, and that session event is the
// one acted upon.
func ParseWebhook(payload []byte, signature, secret string) (*Notification, error) {
	if secret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid webhook: %w", err)
	}
	return notificationFromEvent(event)
}

func notificationFromEvent(event stripe.Event) (*Notification, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("event %s has no data", event.ID)
	}

	n := &Notification{Type: EventPaymentSucceeded, EventID: event.ID}
	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		n.SessionID = cs.ID
		n.AmountCents = cs.AmountTotal
		n.Metadata = cs.Metadata
		if cs.PaymentLink != nil {
			n.PaymentLinkID = cs.PaymentLink.ID
		}
		if cs.PaymentIntent != nil {
			n.PaymentIntentID = cs.PaymentIntent.ID
		}
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to decode payment intent: %w", err)
		}
		if pi.Metadata[models.MetaType] != models.PaymentTypeInboxAccess {
			return nil, fmt.Errorf("%w: %s without inbox access metadata", ErrIgnoredEvent, event.Type)
		}
		n.SessionID = pi.ID
		n.PaymentIntentID = pi.ID
		n.AmountCents = pi.Amount
		n.Metadata = pi.Metadata
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}

	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	return n, nil
}
