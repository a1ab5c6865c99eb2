package models

import (
	"strings"
	"time"
)

// MailMessage is a mailbox message as seen by the intake pipeline,
// independent of the provider wire format.
type MailMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	MessageID  string    `json:"message_id"` // RFC 5322 Message-ID header
	From       string    `json:"from"`       // raw From header
	Sender     string    `json:"sender"`     // normalised address extracted from From
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet"`
	LabelIDs   []string  `json:"label_ids"`
	ReceivedAt time.Time `json:"received_at"`
}

// GmailMessageRef is one entry of a users.messages.list response.
type GmailMessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// GmailMessageList is the users.messages.list response body.
type GmailMessageList struct {
	Messages           []GmailMessageRef `json:"messages"`
	NextPageToken      string            `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int               `json:"resultSizeEstimate"`
}

// GmailHeader is a single RFC 5322 header of a message payload.
type GmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// GmailPayload carries the parsed headers of a message.
type GmailPayload struct {
	MimeType string        `json:"mimeType,omitempty"`
	Headers  []GmailHeader `json:"headers"`
}

// GmailMessage is the users.messages.get response body (metadata format).
// InternalDate is epoch milliseconds encoded as a string.
type GmailMessage struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"threadId"`
	LabelIDs     []string      `json:"labelIds,omitempty"`
	Snippet      string        `json:"snippet"`
	InternalDate string        `json:"internalDate"`
	Payload      *GmailPayload `json:"payload,omitempty"`
}

// Header returns the value of the named header, matched case-insensitively.
func (m *GmailMessage) Header(name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// GmailModifyRequest is the users.messages.modify request body.
type GmailModifyRequest struct {
	AddLabelIDs    []string `json:"addLabelIds,omitempty"`
	RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
}

// GmailSendRequest is the users.messages.send request body.
// Raw is the base64url encoded RFC 5322 message.
type GmailSendRequest struct {
	Raw      string `json:"raw"`
	ThreadID string `json:"threadId,omitempty"`
}

// GmailError is the error envelope returned by the Gmail API.
type GmailError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}
