package models

import (
	"time"

	"github.com/google/uuid"
)

// Contact is a sender address known to a user. At most one per (user, email).
type Contact struct {
	ID            uuid.UUID `db:"id"`
	UserID        uuid.UUID `db:"user_id"`
	Email         string    `db:"email"`
	Name          string    `db:"name"`
	IsWhitelisted bool      `db:"is_whitelisted"`
	AddedAt       time.Time `db:"added_at"`
}
