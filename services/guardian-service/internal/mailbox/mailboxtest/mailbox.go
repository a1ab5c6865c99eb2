package mailboxtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stoik/guardian/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox"
	svcmodels "github.com/stoik/guardian/services/guardian-service/internal/models"
)

// Operation names accepted by Mailbox.Fail.
const (
	OpList   = "list"
	OpGet    = "get"
	OpLabels = "labels"
	OpModify = "modify"
	OpSend   = "send"
)

type entry struct {
	msg    models.MailMessage
	labels map[string]bool // label names
}

// Mailbox is an in-memory mailbox.Gateway. Labels are tracked by name.
type Mailbox struct {
	Email string

	mu     sync.Mutex
	msgs   []*entry
	labels map[string]string // name -> id
	sent   []mailbox.OutgoingMessage
	fail   map[string]error
	calls  map[string]int
	nextID int
}

var _ mailbox.Gateway = (*Mailbox)(nil)

// New creates an empty mailbox owned by email.
func New(email string) *Mailbox {
	return &Mailbox{
		Email:  email,
		labels: map[string]string{mailbox.LabelInbox: mailbox.LabelInbox},
		fail:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// Fail makes every subsequent call of op return err. A nil err clears it.
func (m *Mailbox) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Calls returns how many times op was invoked.
func (m *Mailbox) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Mailbox) begin(op string) error {
	m.calls[op]++
	return m.fail[op]
}

// Deliver adds msg to the inbox and returns its id. Missing ids, sender
// addresses and timestamps are filled in.
func (m *Mailbox) Deliver(msg models.MailMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", m.nextID)
	}
	if msg.ThreadID == "" {
		msg.ThreadID = msg.ID
	}
	if msg.Sender == "" {
		msg.Sender = mailbox.ExtractAddress(msg.From)
	}
	if msg.From == "" {
		msg.From = msg.Sender
	}
	if msg.To == "" {
		msg.To = m.Email
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	m.msgs = append(m.msgs, &entry{msg: msg, labels: map[string]bool{mailbox.LabelInbox: true}})
	return msg.ID
}

// MarkSpam moves a delivered message to spam.
func (m *Mailbox) MarkSpam(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(id); e != nil {
		e.labels = map[string]bool{"SPAM": true}
	}
}

func (m *Mailbox) find(id string) *entry {
	for _, e := range m.msgs {
		if e.msg.ID == id {
			return e
		}
	}
	return nil
}

// LabelsOf returns the sorted label names of a message.
func (m *Mailbox) LabelsOf(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return nil
	}
	var out []string
	for l := range e.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// HasLabel reports whether the message carries label.
func (m *Mailbox) HasLabel(id, label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	return e != nil && e.labels[label]
}

// InInbox reports whether the message is in the inbox.
func (m *Mailbox) InInbox(id string) bool {
	return m.HasLabel(id, mailbox.LabelInbox)
}

// Sent returns the messages sent so far.
func (m *Mailbox) Sent() []mailbox.OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailbox.OutgoingMessage(nil), m.sent...)
}

func (m *Mailbox) ListMessagesSince(ctx context.Context, since time.Time, excludeSender string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpList); err != nil {
		return nil, err
	}

	// Search granularity is one second.
	cutoff := since.Truncate(time.Second)
	var ids []string
	for _, e := range m.msgs {
		if e.labels["SPAM"] || e.labels["SENT"] {
			continue
		}
		if e.msg.ReceivedAt.Before(cutoff) {
			continue
		}
		if excludeSender != "" && strings.EqualFold(e.msg.Sender, excludeSender) {
			continue
		}
		ids = append(ids, e.msg.ID)
	}
	return ids, nil
}

func (m *Mailbox) GetMessage(ctx context.Context, id string) (*models.MailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGet); err != nil {
		return nil, err
	}
	e := m.find(id)
	if e == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}
	msg := e.msg
	msg.LabelIDs = nil
	for l := range e.labels {
		msg.LabelIDs = append(msg.LabelIDs, m.labels[l])
	}
	sort.Strings(msg.LabelIDs)
	return &msg, nil
}

func (m *Mailbox) Labels(ctx context.Context) ([]models.GmailLabel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpLabels); err != nil {
		return nil, err
	}
	out := make([]models.GmailLabel, 0, len(m.labels))
	for name, id := range m.labels {
		out = append(out, models.GmailLabel{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mailbox) CreateLabel(ctx context.Context, name string) (*models.GmailLabel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpLabels); err != nil {
		return nil, err
	}
	if _, ok := m.labels[name]; ok {
		return nil, mailbox.ErrLabelExists
	}
	id := fmt.Sprintf("Label_%d", len(m.labels))
	m.labels[name] = id
	return &models.GmailLabel{ID: id, Name: name}, nil
}

func (m *Mailbox) modify(id string, add, remove string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpModify); err != nil {
		return err
	}
	e := m.find(id)
	if e == nil {
		return fmt.Errorf("message %s not found", id)
	}
	if add != "" {
		if _, ok := m.labels[add]; !ok {
			m.labels[add] = fmt.Sprintf("Label_%d", len(m.labels))
		}
		e.labels[add] = true
	}
	if remove != "" {
		delete(e.labels, remove)
	}
	return nil
}

func (m *Mailbox) AddLabel(ctx context.Context, messageID, label string) error {
	return m.modify(messageID, label, "")
}

func (m *Mailbox) RemoveLabel(ctx context.Context, messageID, label string) error {
	return m.modify(messageID, "", label)
}

func (m *Mailbox) MoveToInbox(ctx context.Context, messageID string) error {
	return m.modify(messageID, mailbox.LabelInbox, "")
}

func (m *Mailbox) RemoveFromInbox(ctx context.Context, messageID string) error {
	return m.modify(messageID, "", mailbox.LabelInbox)
}

func (m *Mailbox) SendMessage(ctx context.Context, msg mailbox.OutgoingMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSend); err != nil {
		return "", err
	}
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("sent-%d", len(m.sent)), nil
}

// Connector hands out mailboxes by user address. A mailbox with a
// required token rejects connections made with any other token.
type Connector struct {
	mu     sync.Mutex
	boxes  map[string]*Mailbox
	tokens map[string]string
}

var _ mailbox.Connector = (*Connector)(nil)

// NewConnector creates an empty connector.
func NewConnector() *Connector {
	return &Connector{
		boxes:  make(map[string]*Mailbox),
		tokens: make(map[string]string),
	}
}

// Box returns the mailbox of email, creating it on first use.
func (c *Connector) Box(email string) *Mailbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(email)
	if b, ok := c.boxes[key]; ok {
		return b
	}
	b := New(key)
	c.boxes[key] = b
	return b
}

// RequireToken makes the mailbox of email accept only token.
func (c *Connector) RequireToken(email, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[strings.ToLower(email)] = token
}

// Connect implements mailbox.Connector.
func (c *Connector) Connect(user *svcmodels.User) mailbox.Gateway {
	box := c.Box(user.Email)
	c.mu.Lock()
	want, ok := c.tokens[strings.ToLower(user.Email)]
	c.mu.Unlock()
	if ok && want != user.AccessToken {
		return expired{box}
	}
	return box
}

// expired rejects every call with mailbox.ErrAuthExpired.
type expired struct{ *Mailbox }

func (expired) ListMessagesSince(context.Context, time.Time, string) ([]string, error) {
	return nil, mailbox.ErrAuthExpired
}

func (expired) GetMessage(context.Context, string) (*models.MailMessage, error) {
	return nil, mailbox.ErrAuthExpired
}

func (expired) Labels(context.Context) ([]models.GmailLabel, error) {
	return nil, mailbox.ErrAuthExpired
}

func (expired) CreateLabel(context.Context, string) (*models.GmailLabel, error) {
	return nil, mailbox.ErrAuthExpired
}

func (expired) AddLabel(context.Context, string, string) error    { return mailbox.ErrAuthExpired }
func (expired) RemoveLabel(context.Context, string, string) error { return mailbox.ErrAuthExpired }
func (expired) MoveToInbox(context.Context, string) error         { return mailbox.ErrAuthExpired }
func (expired) RemoveFromInbox(context.Context, string) error     { return mailbox.ErrAuthExpired }

func (expired) SendMessage(context.Context, mailbox.OutgoingMessage) (string, error) {
	return "", mailbox.ErrAuthExpired
}
