package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	MinPollIntervalMinutes     = 0.5
	MaxPollIntervalMinutes     = 60.0
	DefaultPollIntervalMinutes = 1.0
	DefaultCharityName         = "Email Guardian"
)

// User model for database. Tokens are opaque to the intake core.
type User struct {
	ID                  uuid.UUID  `db:"id"`
	Email               string     `db:"email"`
	AccessToken         string     `db:"access_token"`
	RefreshToken        string     `db:"refresh_token"`
	PollIntervalMinutes float64    `db:"poll_interval_minutes"`
	LastEmailCheck      *time.Time `db:"last_email_check"`
	UseAIResponses      bool       `db:"use_ai_responses"`
	CharityName         string     `db:"charity_name"`
	CreatedAt           time.Time  `db:"created_at"`
}

// HasMailbox reports whether mailbox authorization is configured.
func (u *User) HasMailbox() bool {
	return u.AccessToken != ""
}

// PollInterval returns the configured interval clamped to the allowed range.
func (u *User) PollInterval() time.Duration {
	return time.Duration(ClampPollInterval(u.PollIntervalMinutes) * float64(time.Minute))
}

// Charity returns the charity display name, falling back to the default.
func (u *User) Charity() string {
	if u.CharityName == "" {
		return DefaultCharityName
	}
	return u.CharityName
}

// ClampPollInterval bounds minutes to [MinPollIntervalMinutes, MaxPollIntervalMinutes].
// Zero or negative values select the default.
func ClampPollInterval(minutes float64) float64 {
	switch {
	case minutes <= 0:
		return DefaultPollIntervalMinutes
	case minutes < MinPollIntervalMinutes:
		return MinPollIntervalMinutes
	case minutes > MaxPollIntervalMinutes:
		return MaxPollIntervalMinutes
	}
	return minutes
}

// UserSettings holds the user-editable settings.
type UserSettings struct {
	PollIntervalMinutes float64
	UseAIResponses      bool
	CharityName         string
}
