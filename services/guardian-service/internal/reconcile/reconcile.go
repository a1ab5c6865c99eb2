package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/stoik/guardian/services/guardian-service/internal/mailbox"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

// ErrUnresolved is returned when a payment cannot be attributed to any
// user and sender. The payment is logged and dropped.
var ErrUnresolved = errors.New("payment could not be attributed")

// Options tune a Reconciler.
type Options struct {
	// AmountCents is recorded when the notification carries no amount.
	AmountCents int64
	// AllowGlobalFallback enables MostRecentPending resolution.
	AllowGlobalFallback bool
	Logger              *log.Logger
	Now                 func() time.Time
}

// Reconciler applies confirmed payments: it whitelists the sender and
// releases the sender's held mail.
type Reconciler struct {
	store     store.Store
	connector mailbox.Connector

	amountCents         int64
	allowGlobalFallback bool
	logger              *log.Logger
	now                 func() time.Time
}

// New creates a Reconciler. connector may be nil, in which case released
// messages are only updated in the ledger.
func New(st store.Store, connector mailbox.Connector, opts Options) *Reconciler {
	r := &Reconciler{
		store:               st,
		connector:           connector,
		amountCents:         opts.AmountCents,
		allowGlobalFallback: opts.AllowGlobalFallback,
		logger:              opts.Logger,
		now:                 opts.Now,
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Outcome reports one reconciliation.
type Outcome struct {
	Kind      Kind
	UserID    uuid.UUID
	Sender    string
	SessionID string
	// Duplicate is set when the session was already reconciled.
	Duplicate bool
	// DonationRecorded is false when the donation insert failed or the
	// session was already recorded, including by an earlier attempt whose
	// ledger update failed.
	DonationRecorded bool
	// Released lists the mailbox ids of the messages moved to paid.
	Released []string
	// ReleaseFailed counts released messages the mailbox could not move.
	ReleaseFailed int
}

// sessionKey returns the dedup key of a payment. The payment intent comes
// first so every event about one charge maps to the same key.
func sessionKey(n payment.Notification, res Resolution) string {
	switch {
	case n.PaymentIntentID != "":
		return n.PaymentIntentID
	case n.SessionID != "":
		return n.SessionID
	case n.EventID != "":
		return "event:" + n.EventID
	case res.Intention != nil:
		return "intention:" + res.Intention.ID.String()
	}
	return "manual:" + uuid.NewString()
}

// Reconcile applies a payment notification. Running it again for the same
// session records no second donation, counts nothing twice and leaves paid
// mail untouched.
func (r *Reconciler) Reconcile(ctx context.Context, n payment.Notification) (*Outcome, error) {
	if n.Type != "" && n.Type != payment.EventPaymentSucceeded {
		return nil, fmt.Errorf("%w: %s", payment.ErrIgnoredEvent, n.Type)
	}

	res, err := r.Resolve(ctx, n)
	if err != nil {
		return nil, err
	}
	if res.Kind == Unresolved {
		r.logger.Warn("Dropping unattributable payment",
			"session", n.SessionID, "link", n.PaymentLinkID, "amount", n.AmountCents)
		return nil, ErrUnresolved
	}

	user := res.User
	now := r.now().UTC()
	out := &Outcome{
		Kind:      res.Kind,
		UserID:    user.ID,
		Sender:    res.Sender,
		SessionID: sessionKey(n, res),
	}
	logger := r.logger.With("user", user.Email, "sender", res.Sender, "session", out.SessionID)
	if res.Kind == MostRecentPending {
		logger.Warn("Payment attributed to the most recent pending request")
	}

	amount := n.AmountCents
	if amount <= 0 {
		amount = r.amountCents
	}

	// The donation row is written outside the ledger transaction. Its
	// counted flag moves with the stats increment inside it.
	recorded := true
	created, err := r.store.CreateDonation(ctx, &models.Donation{
		UserID:      user.ID,
		SessionID:   out.SessionID,
		AmountCents: amount,
		SenderEmail: res.Sender,
		Status:      models.DonationCompleted,
		PaidAt:      now,
	})
	switch {
	case err != nil:
		// Whitelisting and release still happen.
		logger.Error("Failed to record donation", "error", err)
		recorded = false
	case created:
		out.DonationRecorded = true
	}

	var (
		released []models.PendingEmail
		fresh    bool
	)
	err = r.store.InTx(ctx, func(tx store.Store) error {
		released, fresh = nil, !recorded
		if res.Intention != nil {
			marked, err := tx.MarkIntentionPaid(ctx, res.Intention.ID, out.SessionID, now)
			if err != nil {
				return fmt.Errorf("failed to mark intention paid: %w", err)
			}
			// Without a donation row the intention decides freshness.
			if !recorded {
				fresh = marked
			}
		}
		if recorded {
			counted, err := tx.MarkDonationCounted(ctx, out.SessionID)
			if err != nil {
				return fmt.Errorf("failed to mark donation counted: %w", err)
			}
			fresh = counted
		}

		if _, err := tx.UpsertContact(ctx, &models.Contact{
			UserID:        user.ID,
			Email:         res.Sender,
			IsWhitelisted: true,
			AddedAt:       now,
		}); err != nil {
			return fmt.Errorf("failed to whitelist sender: %w", err)
		}

		emails, err := tx.ListPendingEmailsBySender(ctx, user.ID, res.Sender)
		if err != nil {
			return fmt.Errorf("failed to list pending emails: %w", err)
		}
		for _, e := range emails {
			if e.Status.Terminal() {
				continue
			}
			moved, err := tx.MarkPendingEmailPaid(ctx, e.ID, now)
			if err != nil {
				return fmt.Errorf("failed to mark email %s paid: %w", e.MessageID, err)
			}
			if moved {
				released = append(released, e)
			}
		}

		if fresh {
			if err := tx.AddDonationsReceived(ctx, user.ID, now, amount); err != nil {
				return fmt.Errorf("failed to count donation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Duplicate = recorded && !fresh

	for _, e := range released {
		out.Released = append(out.Released, e.MessageID)
	}
	out.ReleaseFailed = r.release(ctx, user, released, logger)

	logger.Info("Reconciled payment",
		"kind", res.Kind, "released", len(out.Released), "duplicate", out.Duplicate)
	return out, nil
}

// release moves paid messages back to the inbox and swaps their labels.
// Failures are logged per message and counted.
func (r *Reconciler) release(ctx context.Context, user *models.User, emails []models.PendingEmail, logger *log.Logger) int {
	if len(emails) == 0 || r.connector == nil || !user.HasMailbox() {
		return 0
	}
	gw := r.connector.Connect(user)

	failed := 0
	for _, e := range emails {
		err := errors.Join(
			gw.MoveToInbox(ctx, e.MessageID),
			gw.AddLabel(ctx, e.MessageID, mailbox.LabelKnownContacts),
			gw.RemoveLabel(ctx, e.MessageID, mailbox.LabelPendingDonation),
		)
		if err != nil {
			failed++
			logger.Warn("Failed to release message", "message", e.MessageID, "error", err)
		}
	}
	return failed
}
