package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReplyPrompt carries what the generator knows about the intercepted message.
type ReplyPrompt struct {
	SenderEmail string
	TargetEmail string
	Subject     string
	Content     string
	CharityName string
	PaymentLink string
	AmountCents int64
}

// Generator writes a personalised donation request body.
type Generator interface {
	GenerateReply(ctx context.Context, p ReplyPrompt) (string, error)
}

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("empty reply from model")

const systemPrompt = "You are an empathetic email assistant creating personalized charity donation requests. " +
	"Your responses should feel genuine, warm, and human - never robotic or corporate. " +
	"Always acknowledge the sender's specific message and show real interest in their business or request " +
	"while seamlessly incorporating the donation appeal."

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// OpenAI generates replies with the chat completions API.
type OpenAI struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates a client. An empty baseURL selects api.openai.com.
func NewOpenAI(apiKey, model, baseURL string) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GenerateReply implements Generator.
func (c *OpenAI) GenerateReply(ctx context.Context, p ReplyPrompt) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("OpenAI API key not configured")
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(p)},
		},
		MaxTokens:   300,
		Temperature: 0.8,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func userPrompt(p ReplyPrompt) string {
	amount := fmt.Sprintf("$%d.%02d", p.AmountCents/100, p.AmountCents%100)

	var b strings.Builder
	fmt.Fprintf(&b, "You are generating a personalized auto-reply for an email filtering charity system called %q.\n\n", p.CharityName)
	b.WriteString("SENDER'S ORIGINAL MESSAGE:\n")
	fmt.Fprintf(&b, "From: %s\nSubject: %s\nMessage: %s\n\n", p.SenderEmail, p.Subject, p.Content)
	b.WriteString("YOUR TASK: Create a warm, personalized response that:\n")
	b.WriteString("1. Directly acknowledges what they wrote about\n")
	b.WriteString("2. Explains the filtering system as a way to support charity while managing messages\n")
	fmt.Fprintf(&b, "3. Makes the %s donation to %s feel meaningful\n", amount, p.CharityName)
	b.WriteString("4. Says their email is delivered and they are added to trusted contacts once the donation completes\n\n")
	b.WriteString("Make it sound natural and conversational, not corporate.\n\n")
	fmt.Fprintf(&b, "Payment link: %s\n\n", p.PaymentLink)
	b.WriteString("Generate only the email body (no subject):")
	return b.String()
}
