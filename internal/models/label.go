package models

// GmailLabel represents a mailbox label (system or user defined).
type GmailLabel struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Type                  string `json:"type,omitempty"` // "system" or "user"
	LabelListVisibility   string `json:"labelListVisibility,omitempty"`
	MessageListVisibility string `json:"messageListVisibility,omitempty"`
}

// GmailLabelList is the users.labels.list response body.
type GmailLabelList struct {
	Labels []GmailLabel `json:"labels"`
}

// GmailProfile is the users.getProfile response body.
type GmailProfile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int    `json:"messagesTotal"`
	ThreadsTotal  int    `json:"threadsTotal"`
	HistoryID     string `json:"historyId"`
}
