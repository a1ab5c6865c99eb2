package mock

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/stoik/guardian/internal/models"
)

var systemLabels = []string{"INBOX", "SPAM", "SENT", "UNREAD", "TRASH"}

type message struct {
	id           string
	threadID     string
	from         string
	to           string
	subject      string
	snippet      string
	body         string
	inReplyTo    string
	internalDate time.Time
	labels       map[string]bool
}

func (m *message) toGmail() models.GmailMessage {
	gm := models.GmailMessage{
		ID:           m.id,
		ThreadID:     m.threadID,
		Snippet:      m.snippet,
		InternalDate: strconv.FormatInt(m.internalDate.UnixMilli(), 10),
		Payload: &models.GmailPayload{
			MimeType: "text/plain",
			Headers: []models.GmailHeader{
				{Name: "From", Value: m.from},
				{Name: "To", Value: m.to},
				{Name: "Subject", Value: m.subject},
				{Name: "Date", Value: m.internalDate.Format(time.RFC1123Z)},
				{Name: "Message-ID", Value: "<" + m.id + "@mail.gmail.com>"},
			},
		},
	}
	for id := range m.labels {
		gm.LabelIDs = append(gm.LabelIDs, id)
	}
	sort.Strings(gm.LabelIDs)
	return gm
}

// Mailbox is one user's in-memory Gmail mailbox.
type Mailbox struct {
	Email string

	mu        sync.RWMutex
	messages  []*message
	labels    map[string]models.GmailLabel // id -> label
	nextMsg   int
	nextLabel int
}

func newMailbox(email string) *Mailbox {
	mb := &Mailbox{
		Email:  email,
		labels: make(map[string]models.GmailLabel),
	}
	for _, id := range systemLabels {
		mb.labels[id] = models.GmailLabel{ID: id, Name: id, Type: "system"}
	}
	return mb
}

// DeliverRequest describes an incoming message.
type DeliverRequest struct {
	From       string    `json:"from" binding:"required"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet"`
	ReceivedAt time.Time `json:"receivedAt"`
	Spam       bool      `json:"spam"`
}

// Deliver stores an incoming message in the inbox and returns its id.
func (mb *Mailbox) Deliver(req DeliverRequest) string {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	at := req.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	labels := map[string]bool{"INBOX": true, "UNREAD": true}
	if req.Spam {
		labels = map[string]bool{"SPAM": true}
	}
	m := &message{
		id:           mb.newID(),
		from:         req.From,
		to:           mb.Email,
		subject:      req.Subject,
		snippet:      req.Snippet,
		internalDate: at,
		labels:       labels,
	}
	m.threadID = m.id
	mb.messages = append(mb.messages, m)
	return m.id
}

func (mb *Mailbox) newID() string {
	mb.nextMsg++
	return fmt.Sprintf("%016x", mb.nextMsg)
}

func (mb *Mailbox) find(id string) *message {
	for _, m := range mb.messages {
		if m.id == id {
			return m
		}
	}
	return nil
}

// Message returns a snapshot of the message with the given id.
func (mb *Mailbox) Message(id string) (models.GmailMessage, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	m := mb.find(id)
	if m == nil {
		return models.GmailMessage{}, false
	}
	return m.toGmail(), true
}

// LabelNames returns the label names attached to a message.
func (mb *Mailbox) LabelNames(id string) []string {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	m := mb.find(id)
	if m == nil {
		return nil
	}
	var names []string
	for lid := range m.labels {
		names = append(names, mb.labels[lid].Name)
	}
	sort.Strings(names)
	return names
}

// SentMessage is a message sent from the mailbox, decoded from its raw form.
type SentMessage struct {
	ID        string
	ThreadID  string
	To        string
	Subject   string
	InReplyTo string
	Body      string
}

// Sent returns the messages sent from the mailbox in send order.
func (mb *Mailbox) Sent() []SentMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	var out []SentMessage
	for _, m := range mb.messages {
		if !m.labels["SENT"] {
			continue
		}
		out = append(out, SentMessage{
			ID:        m.id,
			ThreadID:  m.threadID,
			To:        m.to,
			Subject:   m.subject,
			InReplyTo: m.inReplyTo,
			Body:      m.body,
		})
	}
	return out
}

// query is the subset of the Gmail search syntax the service uses.
type query struct {
	after       time.Time
	hasAfter    bool
	excludeFrom []string
	excludeIn   []string
}

func parseQuery(q string) (query, error) {
	var out query
	for _, term := range strings.Fields(q) {
		switch {
		case strings.HasPrefix(term, "after:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(term, "after:"), 10, 64)
			if err != nil {
				return out, fmt.Errorf("invalid after term %q", term)
			}
			out.after = time.Unix(n, 0)
			out.hasAfter = true
		case strings.HasPrefix(term, "-from:"):
			out.excludeFrom = append(out.excludeFrom, strings.ToLower(strings.TrimPrefix(term, "-from:")))
		case strings.HasPrefix(term, "-in:"), strings.HasPrefix(term, "-label:"):
			v := term[strings.Index(term, ":")+1:]
			out.excludeIn = append(out.excludeIn, strings.ToUpper(v))
		}
	}
	return out, nil
}

func (q query) match(m *message) bool {
	if q.hasAfter && m.internalDate.Before(q.after) {
		return false
	}
	from := strings.ToLower(m.from)
	for _, f := range q.excludeFrom {
		if strings.Contains(from, f) {
			return false
		}
	}
	for _, l := range q.excludeIn {
		if m.labels[l] {
			return false
		}
	}
	return true
}

// list returns matching message refs newest first, paginated by offset.
func (mb *Mailbox) list(q query, max, offset int) models.GmailMessageList {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	var matched []*message
	for _, m := range mb.messages {
		if q.match(m) {
			matched = append(matched, m)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].internalDate.After(matched[j].internalDate)
	})

	out := models.GmailMessageList{ResultSizeEstimate: len(matched)}
	if offset >= len(matched) {
		return out
	}
	end := offset + max
	if end > len(matched) {
		end = len(matched)
	}
	for _, m := range matched[offset:end] {
		out.Messages = append(out.Messages, models.GmailMessageRef{ID: m.id, ThreadID: m.threadID})
	}
	if end < len(matched) {
		out.NextPageToken = strconv.Itoa(end)
	}
	return out
}

func (mb *Mailbox) labelList() []models.GmailLabel {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	out := make([]models.GmailLabel, 0, len(mb.labels))
	for _, l := range mb.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var errLabelExists = errors.New("label name exists or conflicts")

func (mb *Mailbox) createLabel(in models.GmailLabel) (models.GmailLabel, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for _, l := range mb.labels {
		if strings.EqualFold(l.Name, in.Name) {
			return models.GmailLabel{}, errLabelExists
		}
	}
	mb.nextLabel++
	in.ID = fmt.Sprintf("Label_%d", mb.nextLabel)
	in.Type = "user"
	mb.labels[in.ID] = in
	return in, nil
}

func (mb *Mailbox) modify(id string, req models.GmailModifyRequest) (models.GmailMessage, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	m := mb.find(id)
	if m == nil {
		return models.GmailMessage{}, errNotFound
	}
	for _, lid := range append(append([]string{}, req.AddLabelIDs...), req.RemoveLabelIDs...) {
		if _, ok := mb.labels[lid]; !ok {
			return models.GmailMessage{}, fmt.Errorf("invalid label: %s", lid)
		}
	}
	for _, lid := range req.AddLabelIDs {
		m.labels[lid] = true
	}
	for _, lid := range req.RemoveLabelIDs {
		delete(m.labels, lid)
	}
	return m.toGmail(), nil
}

var errNotFound = errors.New("requested entity was not found")

// send decodes a base64url RFC 5322 message and stores it as sent mail.
func (mb *Mailbox) send(req models.GmailSendRequest) (models.GmailMessageRef, error) {
	raw, err := base64.URLEncoding.DecodeString(req.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(req.Raw)
		if err != nil {
			return models.GmailMessageRef{}, fmt.Errorf("invalid raw encoding: %w", err)
		}
	}

	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return models.GmailMessageRef{}, fmt.Errorf("invalid message: %w", err)
	}
	defer mr.Close()

	subject, _ := mr.Header.Subject()
	to, _ := mr.Header.AddressList("To")
	if len(to) == 0 {
		return models.GmailMessageRef{}, fmt.Errorf("recipient address required")
	}
	inReplyTo := mr.Header.Get("In-Reply-To")

	var body string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return models.GmailMessageRef{}, fmt.Errorf("invalid message body: %w", err)
		}
		if _, ok := part.Header.(*mail.InlineHeader); ok {
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return models.GmailMessageRef{}, fmt.Errorf("invalid message body: %w", err)
			}
			body = string(b)
		}
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	m := &message{
		id:           mb.newID(),
		threadID:     req.ThreadID,
		from:         mb.Email,
		to:           to[0].Address,
		subject:      subject,
		body:         body,
		inReplyTo:    inReplyTo,
		internalDate: time.Now(),
		labels:       map[string]bool{"SENT": true},
	}
	if m.threadID == "" {
		m.threadID = m.id
	}
	mb.messages = append(mb.messages, m)
	return models.GmailMessageRef{ID: m.id, ThreadID: m.threadID}, nil
}
