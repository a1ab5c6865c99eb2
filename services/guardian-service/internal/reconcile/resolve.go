package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stoik/guardian/services/guardian-service/internal/mailbox"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

// Kind says how a payment was attributed to a (user, sender) pair.
type Kind string

const (
	// Direct: the notification metadata names the sender and the user.
	Direct Kind = "direct"
	// ByLinkID: the payment link id matched a recorded intention.
	ByLinkID Kind = "by_link_id"
	// MostRecentPending: the newest pending intention of any user was
	// taken. Best effort only; it can attribute a payment to the wrong pair
	// when several requests are outstanding.
	MostRecentPending Kind = "most_recent_pending"
	Unresolved        Kind = "unresolved"
)

// Resolution is the (user, sender) pair a payment belongs to.
type Resolution struct {
	Kind   Kind
	User   *models.User
	Sender string
	// Intention is the payment intention being settled, if one was found.
	Intention *models.PaymentIntention
}

// Resolve attributes n to a user and sender. Store failures are returned;
// an unattributable payment yields Kind Unresolved and a nil error.
func (r *Reconciler) Resolve(ctx context.Context, n payment.Notification) (Resolution, error) {
	if res, err := r.resolveDirect(ctx, n); err != nil || res.Kind != Unresolved {
		return res, err
	}

	if n.PaymentLinkID != "" {
		pi, err := r.store.GetPaymentIntentionByLinkID(ctx, n.PaymentLinkID)
		switch {
		case err == nil:
			return r.fromIntention(ctx, ByLinkID, pi)
		case !errors.Is(err, store.ErrNotFound):
			return Resolution{Kind: Unresolved}, fmt.Errorf("failed to look up link %s: %w", n.PaymentLinkID, err)
		}
	}

	if !r.allowGlobalFallback {
		return Resolution{Kind: Unresolved}, nil
	}
	pi, err := r.store.LatestPendingIntentionAnyUser(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Resolution{Kind: Unresolved}, nil
	case err != nil:
		return Resolution{Kind: Unresolved}, fmt.Errorf("failed to look up pending intentions: %w", err)
	}
	return r.fromIntention(ctx, MostRecentPending, pi)
}

func (r *Reconciler) resolveDirect(ctx context.Context, n payment.Notification) (Resolution, error) {
	unresolved := Resolution{Kind: Unresolved}

	sender := mailbox.NormalizeAddress(n.SenderEmail())
	if sender == "" {
		return unresolved, nil
	}

	var (
		user *models.User
		err  error
	)
	switch {
	case n.UserID() != uuid.Nil:
		user, err = r.store.GetUser(ctx, n.UserID())
		if errors.Is(err, store.ErrNotFound) && n.TargetEmail() != "" {
			user, err = r.store.GetUserByEmail(ctx, n.TargetEmail())
		}
	case n.TargetEmail() != "":
		user, err = r.store.GetUserByEmail(ctx, n.TargetEmail())
	default:
		return unresolved, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return unresolved, nil
	}
	if err != nil {
		return unresolved, fmt.Errorf("failed to look up user: %w", err)
	}

	res := Resolution{Kind: Direct, User: user, Sender: sender}

	if n.PaymentLinkID != "" {
		pi, err := r.store.GetPaymentIntentionByLinkID(ctx, n.PaymentLinkID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return unresolved, fmt.Errorf("failed to look up link %s: %w", n.PaymentLinkID, err)
		}
		if pi != nil && pi.UserID == user.ID && mailbox.NormalizeAddress(pi.SenderEmail) == sender {
			res.Intention = pi
			return res, nil
		}
	}

	pi, err := r.store.LatestPendingIntention(ctx, sender, user.Email)
	switch {
	case err == nil:
		res.Intention = pi
	case !errors.Is(err, store.ErrNotFound):
		return unresolved, fmt.Errorf("failed to look up intention: %w", err)
	}
	return res, nil
}

func (r *Reconciler) fromIntention(ctx context.Context, kind Kind, pi *models.PaymentIntention) (Resolution, error) {
	user, err := r.store.GetUser(ctx, pi.UserID)
	if errors.Is(err, store.ErrNotFound) {
		user, err = r.store.GetUserByEmail(ctx, pi.TargetEmail)
	}
	if errors.Is(err, store.ErrNotFound) {
		return Resolution{Kind: Unresolved}, nil
	}
	if err != nil {
		return Resolution{Kind: Unresolved}, fmt.Errorf("failed to look up user: %w", err)
	}
	return Resolution{
		Kind:      kind,
		User:      user,
		Sender:    mailbox.NormalizeAddress(pi.SenderEmail),
		Intention: pi,
	}, nil
}
