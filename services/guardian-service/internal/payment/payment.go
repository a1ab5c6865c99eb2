package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stoik/guardian/services/guardian-service/internal/models"
)

var (
	// ErrNotConfigured is returned when no payment provider key is set.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrIgnoredEvent is returned by ParseWebhook for event types that do
	// not confirm a payment.
	ErrIgnoredEvent = errors.New("ignored event type")
)

// LinkRequest asks for a payment link scoped to one (sender, user) pair.
type LinkRequest struct {
	SenderEmail string
	TargetEmail string
	UserID      uuid.UUID
	CharityName string
	AmountCents int64
}

// Metadata returns the metadata attached to the link and echoed back by
// payment notifications.
func (r LinkRequest) Metadata() models.Metadata {
	return models.Metadata{
		models.MetaSenderEmail: r.SenderEmail,
		models.MetaTargetEmail: r.TargetEmail,
		models.MetaUserID:      r.UserID.String(),
		models.MetaType:        models.PaymentTypeInboxAccess,
	}
}

// Link is a payable link returned by the provider.
type Link struct {
	ID  string
	URL string
}

// Gateway creates payment links.
type Gateway interface {
	CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error)
}

// EventPaymentSucceeded is the only notification type acted upon.
const EventPaymentSucceeded = "payment_succeeded"

// Notification is a provider-neutral completed-payment event. Metadata may
// be empty; the reconciler falls back to PaymentLinkID lookups.
type Notification struct {
	Type      string
	EventID   string
	SessionID string
	// PaymentIntentID identifies the underlying charge. Events about the
	// same payment share it.
	PaymentIntentID string
	PaymentLinkID   string
	AmountCents     int64
	Metadata        map[string]string
}

func (n Notification) SenderEmail() string { return n.Metadata[models.MetaSenderEmail] }
func (n Notification) TargetEmail() string { return n.Metadata[models.MetaTargetEmail] }

// UserID returns the user id from the metadata, or uuid.Nil when absent
// or malformed.
func (n Notification) UserID() uuid.UUID {
	id, err := uuid.Parse(n.Metadata[models.MetaUserID])
	if err != nil {
		return uuid.Nil
	}
	return id
}
