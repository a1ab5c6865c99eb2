package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an intercepted message.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDonationSent Status = "donation_sent"
	StatusPaid         Status = "paid"
	StatusReleased     Status = "released" // legacy alias of paid
)

// ManualRequestLinkID marks a pending email whose donation request was sent
// without a payment link.
const ManualRequestLinkID = "manual-request"

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDonationSent:
		return 1
	case StatusPaid, StatusReleased:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool { return s.rank() == 2 }

// Delivered reports whether the message has been released to the inbox.
// paid and released are equivalent.
func (s Status) Delivered() bool { return s.Terminal() }

// CanTransition reports whether moving from s to next is a forward move.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// NonTerminalStatuses lists the statuses a payment may still advance.
var NonTerminalStatuses = []Status{StatusPending, StatusDonationSent}

// PendingEmail is one intercepted message. At most one per (user, message id).
type PendingEmail struct {
	ID             uuid.UUID  `db:"id"`
	UserID         uuid.UUID  `db:"user_id"`
	MessageID      string     `db:"message_id"`
	Sender         string     `db:"sender"`
	Subject        string     `db:"subject"`
	Snippet        string     `db:"snippet"`
	ReceivedAt     time.Time  `db:"received_at"`
	Status         Status     `db:"status"`
	DonationLinkID string     `db:"donation_link_id"`
	PaidAt         *time.Time `db:"paid_at"`
}
