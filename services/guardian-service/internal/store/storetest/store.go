package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

// New creates an in-memory SQLite store with all migrations applied.
// It automatically closes the store when the test completes.
func New(t *testing.T) *store.SQLite {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// User inserts a user with a mailbox token and returns it.
func User(t *testing.T, s store.Store, email string) *models.User {
	t.Helper()

	u := &models.User{
		ID:                  uuid.New(),
		Email:               email,
		AccessToken:         "access-" + email,
		RefreshToken:        "refresh-" + email,
		PollIntervalMinutes: 1,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("creating user %s: %v", email, err)
	}
	return u
}
