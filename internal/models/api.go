package models

import "time"

// ContactRequest adds or updates a known contact.
type ContactRequest struct {
	Email         string `json:"email" binding:"required"`
	Name          string `json:"name"`
	IsWhitelisted *bool  `json:"isWhitelisted"`
}

// Contact is a known sender as served by the API.
type Contact struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitempty"`
	IsWhitelisted bool      `json:"isWhitelisted"`
	AddedAt       time.Time `json:"addedAt"`
}

// PendingEmail is an intercepted message as served by the API.
type PendingEmail struct {
	ID             string     `json:"id"`
	MessageID      string     `json:"messageId"`
	Sender         string     `json:"sender"`
	Subject        string     `json:"subject"`
	Snippet        string     `json:"snippet,omitempty"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	Status         string     `json:"status"`
	Delivered      bool       `json:"delivered"`
	DonationLinkID string     `json:"donationLinkId,omitempty"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
}

// Donation is a confirmed payment as served by the API.
type Donation struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	AmountCents int64     `json:"amountCents"`
	SenderEmail string    `json:"senderEmail"`
	Status      string    `json:"status"`
	PaidAt      time.Time `json:"paidAt"`
}

// SettingsRequest updates a user's settings. Omitted fields keep their
// current value.
type SettingsRequest struct {
	PollIntervalMinutes *float64 `json:"pollIntervalMinutes"`
	UseAIResponses      *bool    `json:"useAiResponses"`
	CharityName         *string  `json:"charityName"`
}

// Settings is the settings view of a user.
type Settings struct {
	Email               string     `json:"email"`
	PollIntervalMinutes float64    `json:"pollIntervalMinutes"`
	UseAIResponses      bool       `json:"useAiResponses"`
	CharityName         string     `json:"charityName"`
	LastEmailCheck      *time.Time `json:"lastEmailCheck,omitempty"`
}

// ProcessRequest triggers processing of one user's new mail. Either field
// identifies the user.
type ProcessRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// ProcessResponse reports an on-demand processing run.
type ProcessResponse struct {
	Listed    int            `json:"listed"`
	Counts    map[string]int `json:"counts"`
	Failed    int            `json:"failed"`
	Resumed   int            `json:"resumed"`
	Refreshed bool           `json:"refreshed"`
}

// ReconcileRequest is a manually triggered payment confirmation.
type ReconcileRequest struct {
	SenderEmail   string `json:"senderEmail"`
	TargetEmail   string `json:"targetEmail"`
	UserID        string `json:"userId"`
	SessionID     string `json:"sessionId"`
	PaymentLinkID string `json:"paymentLinkId"`
	AmountCents   int64  `json:"amountCents"`
}

// ReconcileResponse reports a reconciliation.
type ReconcileResponse struct {
	Resolution    string   `json:"resolution"`
	UserID        string   `json:"userId,omitempty"`
	SenderEmail   string   `json:"senderEmail,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	Duplicate     bool     `json:"duplicate"`
	Released      []string `json:"released"`
	ReleaseFailed int      `json:"releaseFailed"`
}
