package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
	"github.com/stoik/guardian/services/guardian-service/internal/store/storetest"
)

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")

	got, err := s.GetUserByEmail(ctx, "OWNER@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Nil(t, got.LastEmailCheck)

	_, err = s.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateUserLastEmailCheck(ctx, u.ID, at))
	require.NoError(t, s.UpdateUserTokens(ctx, u.ID, "new-access", "new-refresh"))
	require.NoError(t, s.UpdateUserSettings(ctx, u.ID, models.UserSettings{
		PollIntervalMinutes: 120,
		UseAIResponses:      true,
		CharityName:         "Clean Water",
	}))

	got, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastEmailCheck)
	assert.True(t, at.Equal(*got.LastEmailCheck))
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "new-refresh", got.RefreshToken)
	assert.Equal(t, models.MaxPollIntervalMinutes, got.PollIntervalMinutes)
	assert.True(t, got.UseAIResponses)
	assert.Equal(t, "Clean Water", got.Charity())

	err = s.UpdateUserTokens(ctx, uuid.New(), "a", "b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestUpsertContactNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")

	c, err := s.UpsertContact(ctx, &models.Contact{UserID: u.ID, Email: "friend@example.com", IsWhitelisted: true})
	require.NoError(t, err)
	assert.True(t, c.IsWhitelisted)

	c, err = s.UpsertContact(ctx, &models.Contact{UserID: u.ID, Email: "friend@example.com", Name: "Friend", IsWhitelisted: false})
	require.NoError(t, err)
	assert.True(t, c.IsWhitelisted)
	assert.Equal(t, "Friend", c.Name)

	ok, err := s.IsWhitelisted(ctx, u.ID, "friend@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsWhitelisted(ctx, u.ID, "stranger@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	contacts, err := s.ListContacts(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)
}

func TestPendingEmailLifecycle(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")

	e := &models.PendingEmail{
		UserID:     u.ID,
		MessageID:  "m1",
		Sender:     "stranger@example.com",
		Subject:    "Hello",
		ReceivedAt: time.Now().UTC(),
	}
	created, err := s.CreatePendingEmail(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *e
	dup.ID = uuid.Nil
	dup.Subject = "changed"
	created, err = s.CreatePendingEmail(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetPendingEmailByMessageID(ctx, u.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, models.StatusPending, got.Status)

	moved, err := s.MarkDonationSent(ctx, e.ID, "plink_1")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.MarkDonationSent(ctx, e.ID, "plink_2")
	require.NoError(t, err)
	assert.False(t, moved, "donation_sent cannot be re-entered")

	paidAt := time.Now().UTC()
	moved, err = s.MarkPendingEmailPaid(ctx, e.ID, paidAt)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.MarkPendingEmailPaid(ctx, e.ID, paidAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, moved, "paid is terminal")

	got, err = s.GetPendingEmailByMessageID(ctx, u.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, got.Status)
	assert.Equal(t, "plink_1", got.DonationLinkID)
	require.NotNil(t, got.PaidAt)

	bySender, err := s.ListPendingEmailsBySender(ctx, u.ID, "stranger@example.com")
	require.NoError(t, err)
	assert.Len(t, bySender, 1)
}

func TestPaymentIntentions(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	alice := storetest.User(t, s, "alice@example.com")
	bob := storetest.User(t, s, "bob@example.com")

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older := &models.PaymentIntention{
		UserID: alice.ID, SenderEmail: "s@example.com", TargetEmail: alice.Email,
		PaymentLinkID: "plink_old", AmountCents: 100, CreatedAt: base,
		Metadata: models.Metadata{models.MetaType: models.PaymentTypeInboxAccess},
	}
	newer := &models.PaymentIntention{
		UserID: alice.ID, SenderEmail: "s@example.com", TargetEmail: alice.Email,
		PaymentLinkID: "plink_new", AmountCents: 100, CreatedAt: base.Add(time.Minute),
	}
	other := &models.PaymentIntention{
		UserID: bob.ID, SenderEmail: "t@example.com", TargetEmail: bob.Email,
		PaymentLinkID: "plink_bob", AmountCents: 100, CreatedAt: base.Add(2 * time.Minute),
	}
	for _, pi := range []*models.PaymentIntention{older, newer, other} {
		require.NoError(t, s.CreatePaymentIntention(ctx, pi))
	}

	got, err := s.GetPaymentIntentionByLinkID(ctx, "plink_old")
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)
	assert.Equal(t, models.PaymentTypeInboxAccess, got.Metadata[models.MetaType])

	got, err = s.LatestPendingIntention(ctx, "s@example.com", alice.Email)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	got, err = s.LatestPendingIntentionAnyUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ID)

	ok, err := s.MarkIntentionPaid(ctx, other.ID, "cs_1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkIntentionPaid(ctx, other.ID, "cs_2", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetPaymentIntentionByLinkID(ctx, "plink_bob")
	require.NoError(t, err)
	assert.Equal(t, models.IntentionPaid, got.Status)
	assert.Equal(t, "cs_1", got.SessionID)

	got, err = s.LatestPendingIntentionAnyUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = s.GetPaymentIntentionByLinkID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDonationSessionDedup(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")

	d := &models.Donation{UserID: u.ID, SessionID: "cs_1", AmountCents: 100, SenderEmail: "s@example.com"}
	created, err := s.CreateDonation(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateDonation(ctx, &models.Donation{UserID: u.ID, SessionID: "cs_1", AmountCents: 100, SenderEmail: "s@example.com"})
	require.NoError(t, err)
	assert.False(t, created)

	donations, err := s.ListDonations(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, donations, 1)
	assert.Equal(t, models.DonationCompleted, donations[0].Status)
	assert.False(t, donations[0].Counted)
}

func TestMarkDonationCounted(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")

	_, err := s.CreateDonation(ctx, &models.Donation{UserID: u.ID, SessionID: "cs_1", AmountCents: 100, SenderEmail: "s@example.com"})
	require.NoError(t, err)

	counted, err := s.MarkDonationCounted(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, counted)

	counted, err = s.MarkDonationCounted(ctx, "cs_1")
	require.NoError(t, err)
	assert.False(t, counted)

	counted, err = s.MarkDonationCounted(ctx, "cs_missing")
	require.NoError(t, err)
	assert.False(t, counted)

	d, err := s.GetDonationBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, d.Counted)
}

func TestEmailStats(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")

	day := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	stats, err := s.GetEmailStats(ctx, u.ID, day)
	require.NoError(t, err)
	assert.Zero(t, stats.EmailsFiltered)

	require.NoError(t, s.IncrementEmailsFiltered(ctx, u.ID, day, 1))
	require.NoError(t, s.IncrementEmailsFiltered(ctx, u.ID, day.Add(-time.Hour), 2))
	require.NoError(t, s.AddDonationsReceived(ctx, u.ID, day, 100))
	require.NoError(t, s.IncrementEmailsFiltered(ctx, u.ID, day.Add(time.Hour), 5))

	stats, err = s.GetEmailStats(ctx, u.ID, day)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.EmailsFiltered)
	assert.Equal(t, int64(100), stats.DonationsReceivedCents)

	next, err := s.GetEmailStats(ctx, u.ID, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.EmailsFiltered)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Store) error {
		if _, err := tx.UpsertContact(ctx, &models.Contact{UserID: u.ID, Email: "x@example.com", IsWhitelisted: true}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ok, err := s.IsWhitelisted(ctx, u.ID, "x@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.InTx(ctx, func(tx store.Store) error {
		_, err := tx.UpsertContact(ctx, &models.Contact{UserID: u.ID, Email: "x@example.com", IsWhitelisted: true})
		return err
	})
	require.NoError(t, err)

	ok, err = s.IsWhitelisted(ctx, u.ID, "x@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDashboardStats(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")
	now := time.Now().UTC()

	require.NoError(t, s.IncrementEmailsFiltered(ctx, u.ID, now, 2))
	require.NoError(t, s.IncrementEmailsFiltered(ctx, u.ID, now.AddDate(0, 0, -1), 4))
	_, err := s.CreatePendingEmail(ctx, &models.PendingEmail{UserID: u.ID, MessageID: "m1", Sender: "a@example.com", ReceivedAt: now})
	require.NoError(t, err)
	_, err = s.CreateDonation(ctx, &models.Donation{UserID: u.ID, SessionID: "cs_1", AmountCents: 100, SenderEmail: "b@example.com"})
	require.NoError(t, err)
	_, err = s.UpsertContact(ctx, &models.Contact{UserID: u.ID, Email: "b@example.com", IsWhitelisted: true})
	require.NoError(t, err)

	stats, err := store.DashboardStats(ctx, s, u.ID, now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EmailsFiltered)
	assert.Equal(t, int64(4), stats.EmailsFilteredYesterday)
	assert.Equal(t, 1, stats.PendingDonations)
	assert.Equal(t, int64(100), stats.PendingRevenueCents)
	assert.Equal(t, int64(100), stats.DonationsReceivedCents)
	assert.Equal(t, 1, stats.DonationsCount)
	assert.Equal(t, 1, stats.KnownContacts)
	assert.Equal(t, 1, stats.ContactsAddedThisWeek)
}
