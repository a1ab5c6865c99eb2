package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stoik/guardian/internal/models"
	svcmodels "github.com/stoik/guardian/services/guardian-service/internal/models"
)

const defaultMaxResults = 50

// GmailConnector opens Gmail REST clients against BaseURL.
type GmailConnector struct {
	BaseURL    string
	MaxResults int
	HTTPClient *http.Client
}

// Connect implements Connector.
func (c *GmailConnector) Connect(user *svcmodels.User) Gateway {
	return NewGmail(c.BaseURL, user.AccessToken, c.MaxResults, c.HTTPClient)
}

// Gmail implements Gateway on the Gmail REST API for one access token.
type Gmail struct {
	baseURL    string
	token      string
	maxResults int
	client     *http.Client

	mu     sync.Mutex
	labels map[string]string // name -> id
}

// NewGmail creates a Gmail client. A nil client selects a client with a
// 30 second timeout.
func NewGmail(baseURL, accessToken string, maxResults int, client *http.Client) *Gmail {
	if baseURL == "" {
		baseURL = "https://gmail.googleapis.com"
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}
	return &Gmail{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      accessToken,
		maxResults: maxResults,
		client:     client,
	}
}

// statusError is a non-2xx Gmail response.
type statusError struct {
	Code    int
	Message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

func (g *Gmail) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := g.baseURL + "/gmail/v1/users/me" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		msg := string(raw)
		var ge models.GmailError
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
			msg = ge.Error.Message
		}
		return &statusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListMessagesSince implements Gateway. Pages are followed until exhausted.
func (g *Gmail) ListMessagesSince(ctx context.Context, since time.Time, excludeSender string) ([]string, error) {
	q := fmt.Sprintf("after:%d -in:spam -in:sent", since.Unix())
	if excludeSender != "" {
		q += " -from:" + excludeSender
	}

	var ids []string
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", q)
		params.Set("maxResults", strconv.Itoa(g.maxResults))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var list models.GmailMessageList
		if err := g.do(ctx, http.MethodGet, "/messages", params, nil, &list); err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, m := range list.Messages {
			ids = append(ids, m.ID)
		}
		if list.NextPageToken == "" {
			return ids, nil
		}
		pageToken = list.NextPageToken
	}
}

// GetMessage implements Gateway using the metadata format.
func (g *Gmail) GetMessage(ctx context.Context, id string) (*models.MailMessage, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	for _, h := range []string{"From", "To", "Subject", "Date", "Message-ID"} {
		params.Add("metadataHeaders", h)
	}

	var gm models.GmailMessage
	if err := g.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), params, nil, &gm); err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toMailMessage(&gm), nil
}

func toMailMessage(gm *models.GmailMessage) *models.MailMessage {
	from := gm.Header("From")
	msg := &models.MailMessage{
		ID:        gm.ID,
		ThreadID:  gm.ThreadID,
		MessageID: gm.Header("Message-ID"),
		From:      from,
		Sender:    ExtractAddress(from),
		To:        gm.Header("To"),
		Subject:   gm.Header("Subject"),
		Snippet:   gm.Snippet,
		LabelIDs:  gm.LabelIDs,
	}
	if ms, err := strconv.ParseInt(gm.InternalDate, 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	return msg
}

// Labels implements Gateway.
func (g *Gmail) Labels(ctx context.Context) ([]models.GmailLabel, error) {
	var list models.GmailLabelList
	if err := g.do(ctx, http.MethodGet, "/labels", nil, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	g.mu.Lock()
	g.labels = make(map[string]string, len(list.Labels))
	for _, l := range list.Labels {
		g.labels[l.Name] = l.ID
	}
	g.mu.Unlock()

	return list.Labels, nil
}

// CreateLabel implements Gateway. A 409 maps to ErrLabelExists.
func (g *Gmail) CreateLabel(ctx context.Context, name string) (*models.GmailLabel, error) {
	in := models.GmailLabel{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	var out models.GmailLabel
	err := g.do(ctx, http.MethodPost, "/labels", nil, in, &out)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil, ErrLabelExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create label: %w", err)
	}

	g.mu.Lock()
	if g.labels == nil {
		g.labels = make(map[string]string)
	}
	g.labels[out.Name] = out.ID
	g.mu.Unlock()

	return &out, nil
}

// labelID resolves a label name, creating the label when it is missing.
// System labels are addressed by their id.
func (g *Gmail) labelID(ctx context.Context, name string) (string, error) {
	if name == strings.ToUpper(name) && !strings.Contains(name, "/") {
		return name, nil
	}

	g.mu.Lock()
	id, ok := g.labels[name]
	loaded := g.labels != nil
	g.mu.Unlock()
	if ok {
		return id, nil
	}

	if !loaded {
		if _, err := g.Labels(ctx); err != nil {
			return "", err
		}
		g.mu.Lock()
		id, ok = g.labels[name]
		g.mu.Unlock()
		if ok {
			return id, nil
		}
	}

	created, err := g.CreateLabel(ctx, name)
	if errors.Is(err, ErrLabelExists) {
		if _, err := g.Labels(ctx); err != nil {
			return "", err
		}
		g.mu.Lock()
		id, ok = g.labels[name]
		g.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("label %q reported as existing but not listed", name)
		}
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (g *Gmail) modify(ctx context.Context, messageID string, add, remove []string) error {
	req := models.GmailModifyRequest{}
	for _, name := range add {
		id, err := g.labelID(ctx, name)
		if err != nil {
			return err
		}
		req.AddLabelIDs = append(req.AddLabelIDs, id)
	}
	for _, name := range remove {
		id, err := g.labelID(ctx, name)
		if err != nil {
			return err
		}
		req.RemoveLabelIDs = append(req.RemoveLabelIDs, id)
	}

	path := "/messages/" + url.PathEscape(messageID) + "/modify"
	if err := g.do(ctx, http.MethodPost, path, nil, req, nil); err != nil {
		return fmt.Errorf("failed to modify message %s: %w", messageID, err)
	}
	return nil
}

func (g *Gmail) AddLabel(ctx context.Context, messageID, label string) error {
	return g.modify(ctx, messageID, []string{label}, nil)
}

func (g *Gmail) RemoveLabel(ctx context.Context, messageID, label string) error {
	return g.modify(ctx, messageID, nil, []string{label})
}

func (g *Gmail) MoveToInbox(ctx context.Context, messageID string) error {
	return g.modify(ctx, messageID, []string{LabelInbox}, nil)
}

func (g *Gmail) RemoveFromInbox(ctx context.Context, messageID string) error {
	return g.modify(ctx, messageID, nil, []string{LabelInbox})
}

// SendMessage implements Gateway.
func (g *Gmail) SendMessage(ctx context.Context, msg OutgoingMessage) (string, error) {
	raw, err := BuildRaw(msg)
	if err != nil {
		return "", err
	}

	var out models.GmailMessageRef
	req := models.GmailSendRequest{Raw: raw, ThreadID: msg.ThreadID}
	if err := g.do(ctx, http.MethodPost, "/messages/send", nil, req, &out); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return out.ID, nil
}
