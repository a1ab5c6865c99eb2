package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stoik/guardian/services/guardian-service/internal/composer"
)

func TestReplyRules(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{composer.ReplySubject("Quick question"), "request-marker"},
		{"RE: " + composer.ReplySubject("Hello"), "request-marker"},
		{"re: email access request", "request-marker"},
		{"Re: Re: lunch", "double-re"},
		{"re:re: lunch", "double-re"},
		{"Re: lunch", ""},
		{"Access request", ""},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			r, ok := firstMatch(ReplyRules, "x@y.com", tt.subject, "")
			if tt.want == "" {
				assert.False(t, ok, "matched %s", r.Name)
				return
			}
			assert.True(t, ok)
			assert.Equal(t, tt.want, r.Name)
		})
	}
}

func TestNoiseRules(t *testing.T) {
	tests := []struct {
		name    string
		sender  string
		subject string
		snippet string
		want    bool
	}{
		{"mailer daemon", "mailer-daemon@example.com", "Delivery Status Notification (Failure)", "", true},
		{"postmaster", "postmaster@example.org", "hello", "", true},
		{"no-reply", "no-reply@service.com", "Your receipt", "", true},
		{"noreply uppercase", "NoReply@service.com", "Your receipt", "", true},
		{"undelivered subject", "someone@example.com", "Undelivered Mail Returned to Sender", "", true},
		{"address not found snippet", "someone@example.com", "hi", "Address not found. Your message wasn't delivered", true},
		{"plain mail", "friend@example.com", "Lunch?", "Are you free tomorrow", false},
		{"reply word in body", "friend@example.com", "Quick question", "please reply soon", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := firstMatch(NoiseRules, tt.sender, tt.subject, tt.snippet)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestRulesAreWellFormed(t *testing.T) {
	for _, r := range append(append([]Rule{}, ReplyRules...), NoiseRules...) {
		assert.NotEmpty(t, r.Name)
		assert.NotEmpty(t, r.Field, r.Name)
		assert.True(t, r.Substring != "" || r.Pattern != nil, r.Name)
	}
	for _, r := range ReplyRules {
		assert.Equal(t, CategoryReply, r.Category, r.Name)
	}
	for _, r := range NoiseRules {
		assert.Equal(t, CategoryNoise, r.Category, r.Name)
	}
}
