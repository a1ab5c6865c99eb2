package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stoik/guardian/services/guardian-service/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface of the intake and reconciliation core.
// Every mutation is a single-row conditional write; multi-row effects are
// grouped by callers with InTx.
type Store interface {
	// Users

	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUserTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string) error
	UpdateUserLastEmailCheck(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateUserSettings(ctx context.Context, id uuid.UUID, s models.UserSettings) error

	// Contacts

	ListContacts(ctx context.Context, userID uuid.UUID) ([]models.Contact, error)
	GetContact(ctx context.Context, userID uuid.UUID, email string) (*models.Contact, error)
	IsWhitelisted(ctx context.Context, userID uuid.UUID, email string) (bool, error)
	// UpsertContact inserts the contact or merges it into the existing row.
	// The whitelist flag is OR-ed so an existing whitelist is never revoked.
	UpsertContact(ctx context.Context, c *models.Contact) (*models.Contact, error)

	// Pending emails

	// CreatePendingEmail inserts e unless (user, message id) already exists,
	// in which case it returns false and leaves the existing row untouched.
	CreatePendingEmail(ctx context.Context, e *models.PendingEmail) (bool, error)
	GetPendingEmailByMessageID(ctx context.Context, userID uuid.UUID, messageID string) (*models.PendingEmail, error)
	ListPendingEmails(ctx context.Context, userID uuid.UUID) ([]models.PendingEmail, error)
	ListPendingEmailsBySender(ctx context.Context, userID uuid.UUID, sender string) ([]models.PendingEmail, error)
	// MarkDonationSent moves a pending row to donation_sent. It returns false
	// when the row is no longer pending.
	MarkDonationSent(ctx context.Context, id uuid.UUID, linkID string) (bool, error)
	// MarkPendingEmailPaid moves a non-terminal row to paid. It returns false
	// when the row is already terminal.
	MarkPendingEmailPaid(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// Payment intentions

	CreatePaymentIntention(ctx context.Context, p *models.PaymentIntention) error
	GetPaymentIntentionByLinkID(ctx context.Context, linkID string) (*models.PaymentIntention, error)
	LatestPendingIntention(ctx context.Context, senderEmail, targetEmail string) (*models.PaymentIntention, error)
	LatestPendingIntentionAnyUser(ctx context.Context) (*models.PaymentIntention, error)
	// MarkIntentionPaid moves a pending intention to paid. It returns false
	// when the intention was not pending.
	MarkIntentionPaid(ctx context.Context, id uuid.UUID, sessionID string, at time.Time) (bool, error)

	// Donations

	// CreateDonation inserts d unless a donation with the same session id
	// exists, in which case it returns false.
	CreateDonation(ctx context.Context, d *models.Donation) (bool, error)
	// MarkDonationCounted flags the donation of sessionID as added to the
	// daily stats. It returns false when it was already counted or does not
	// exist.
	MarkDonationCounted(ctx context.Context, sessionID string) (bool, error)
	GetDonationBySession(ctx context.Context, sessionID string) (*models.Donation, error)
	ListDonations(ctx context.Context, userID uuid.UUID) ([]models.Donation, error)

	// Stats

	IncrementEmailsFiltered(ctx context.Context, userID uuid.UUID, day time.Time, n int64) error
	AddDonationsReceived(ctx context.Context, userID uuid.UUID, day time.Time, cents int64) error
	GetEmailStats(ctx context.Context, userID uuid.UUID, day time.Time) (*models.EmailStats, error)

	// InTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Store) error) error

	Close() error
}

// DashboardStats aggregates the counters shown on the dashboard.
func DashboardStats(ctx context.Context, s Store, userID uuid.UUID, now time.Time, amountCents int64) (*models.DashboardStats, error) {
	today := models.Day(now)
	yesterday := today.AddDate(0, 0, -1)
	weekStart := today.AddDate(0, 0, -7)

	out := &models.DashboardStats{}

	todayStats, err := s.GetEmailStats(ctx, userID, today)
	if err != nil {
		return nil, err
	}
	out.EmailsFiltered = todayStats.EmailsFiltered

	yesterdayStats, err := s.GetEmailStats(ctx, userID, yesterday)
	if err != nil {
		return nil, err
	}
	out.EmailsFilteredYesterday = yesterdayStats.EmailsFiltered

	pending, err := s.ListPendingEmails(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if !p.Status.Terminal() {
			out.PendingDonations++
		}
	}
	out.PendingRevenueCents = int64(out.PendingDonations) * amountCents

	donations, err := s.ListDonations(ctx, userID)
	if err != nil {
		return nil, err
	}
	out.DonationsCount = len(donations)
	for _, d := range donations {
		out.DonationsReceivedCents += d.AmountCents
	}

	contacts, err := s.ListContacts(ctx, userID)
	if err != nil {
		return nil, err
	}
	out.KnownContacts = len(contacts)
	for _, c := range contacts {
		if !c.AddedAt.Before(weekStart) {
			out.ContactsAddedThisWeek++
		}
	}

	return out, nil
}
