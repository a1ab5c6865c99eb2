package mailbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// BuildRaw renders msg as an RFC 5322 message, base64url encoded for the
// Gmail send endpoint.
func BuildRaw(msg OutgoingMessage) (string, error) {
	b, err := render(msg)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func render(msg OutgoingMessage) ([]byte, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	var h mail.Header
	if msg.From != "" {
		from, err := mail.ParseAddress(msg.From)
		if err != nil {
			return nil, fmt.Errorf("invalid sender %q: %w", msg.From, err)
		}
		h.SetAddressList("From", []*mail.Address{from})
	}
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(msg.Subject)

	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
		h.Set("References", msg.InReplyTo)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}
