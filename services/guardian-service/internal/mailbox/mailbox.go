package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stoik/guardian/internal/models"
	svcmodels "github.com/stoik/guardian/services/guardian-service/internal/models"
)

// Guardian labels. Gateways create them on first use.
const (
	LabelPendingDonation = "Email Guardian/Pending Donation"
	LabelKnownContacts   = "Email Guardian/Known Contacts"
	LabelDonationReplies = "Email Guardian/Donation Replies"

	// LabelInbox is the system label that keeps a message in the inbox.
	LabelInbox = "INBOX"
)

// GuardianLabels lists every label the service owns.
var GuardianLabels = []string{LabelPendingDonation, LabelKnownContacts, LabelDonationReplies}

var (
	// ErrAuthExpired is returned when the provider rejects the access token.
	ErrAuthExpired = errors.New("mailbox authorization expired")
	// ErrLabelExists is returned by CreateLabel when the name is taken.
	ErrLabelExists = errors.New("label already exists")
)

// OutgoingMessage is a plain-text message to send from the user's mailbox.
type OutgoingMessage struct {
	From      string
	To        string
	Subject   string
	Body      string
	InReplyTo string // provider message id of the message being answered
	ThreadID  string
	Date      time.Time
}

// Gateway is one user's mailbox. Label arguments are label names;
// implementations resolve them to provider ids.
type Gateway interface {
	// ListMessagesSince returns the ids of messages received after since,
	// excluding spam, sent mail and mail from excludeSender.
	ListMessagesSince(ctx context.Context, since time.Time, excludeSender string) ([]string, error)
	GetMessage(ctx context.Context, id string) (*models.MailMessage, error)

	Labels(ctx context.Context) ([]models.GmailLabel, error)
	CreateLabel(ctx context.Context, name string) (*models.GmailLabel, error)
	AddLabel(ctx context.Context, messageID, label string) error
	RemoveLabel(ctx context.Context, messageID, label string) error
	MoveToInbox(ctx context.Context, messageID string) error
	RemoveFromInbox(ctx context.Context, messageID string) error

	// SendMessage sends msg and returns the provider id of the sent message.
	SendMessage(ctx context.Context, msg OutgoingMessage) (string, error)
}

// Connector opens the mailbox of a user with the user's current tokens.
type Connector interface {
	Connect(user *svcmodels.User) Gateway
}

// EnsureLabels creates any missing guardian label and returns the
// name to id mapping of all of them.
func EnsureLabels(ctx context.Context, gw Gateway) (map[string]string, error) {
	existing, err := gw.Labels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	ids := make(map[string]string, len(GuardianLabels))
	for _, l := range existing {
		ids[l.Name] = l.ID
	}

	out := make(map[string]string, len(GuardianLabels))
	for _, name := range GuardianLabels {
		if id, ok := ids[name]; ok {
			out[name] = id
			continue
		}
		created, err := gw.CreateLabel(ctx, name)
		if errors.Is(err, ErrLabelExists) {
			// Created concurrently; the next listing resolves it.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create label %q: %w", name, err)
		}
		out[name] = created.ID
	}
	return out, nil
}
