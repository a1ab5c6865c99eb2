package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IntentionStatus is the state of a payment attempt.
type IntentionStatus string

const (
	IntentionPending   IntentionStatus = "pending"
	IntentionPaid      IntentionStatus = "paid"
	IntentionCancelled IntentionStatus = "cancelled"
)

// Payment metadata keys carried on links and webhook events.
const (
	MetaSenderEmail = "senderEmail"
	MetaTargetEmail = "targetEmail"
	MetaUserID      = "userId"
	MetaType        = "type"

	PaymentTypeInboxAccess = "inbox_access"
)

// Metadata is a free-form string map persisted as JSON text.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported metadata source %T", src)
	}
	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// PaymentIntention is one (sender, target user) payment attempt.
// Several may exist per pair; reconciliation targets the newest pending one.
type PaymentIntention struct {
	ID            uuid.UUID       `db:"id"`
	UserID        uuid.UUID       `db:"user_id"`
	SenderEmail   string          `db:"sender_email"`
	TargetEmail   string          `db:"target_email"`
	PaymentLinkID string          `db:"payment_link_id"`
	SessionID     string          `db:"session_id"`
	AmountCents   int64           `db:"amount_cents"`
	Status        IntentionStatus `db:"status"`
	Metadata      Metadata        `db:"metadata"`
	CreatedAt     time.Time       `db:"created_at"`
	PaidAt        *time.Time      `db:"paid_at"`
}

const DonationCompleted = "completed"

// Donation is an immutable record of a confirmed payment.
// SessionID is unique: one donation per payment session. Counted is set
// once the amount has been added to the daily stats.
type Donation struct {
	ID          uuid.UUID `db:"id"`
	UserID      uuid.UUID `db:"user_id"`
	SessionID   string    `db:"session_id"`
	AmountCents int64     `db:"amount_cents"`
	SenderEmail string    `db:"sender_email"`
	Status      string    `db:"status"`
	PaidAt      time.Time `db:"paid_at"`
	Counted     bool      `db:"counted"`
}
