package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/stoik/guardian/services/guardian-service/internal/models"
)

// sqliteQuerier is the subset shared by *sqlx.DB and *sqlx.Tx.
type sqliteQuerier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	db *sqlx.DB
	q  sqliteQuerier
}

// NewSQLite opens (or creates) a SQLite database at path and applies any
// pending migrations. Use ":memory:" for an ephemeral database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLite{db: db, q: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLite) InTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLite{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) get(ctx context.Context, dest any, query string, args ...any) error {
	err := s.q.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLite) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) execChanged(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Users

func (s *SQLite) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.q.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	return users, err
}

func (s *SQLite) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?)`, email); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.PollIntervalMinutes = models.ClampPollInterval(u.PollIntervalMinutes)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.AccessToken, u.RefreshToken, u.PollIntervalMinutes,
		utcPtr(u.LastEmailCheck), u.UseAIResponses, u.CharityName, u.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateUserTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string) error {
	return s.execOne(ctx,
		`UPDATE users SET access_token = ?, refresh_token = ? WHERE id = ?`,
		accessToken, refreshToken, id)
}

func (s *SQLite) UpdateUserLastEmailCheck(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.execOne(ctx, `UPDATE users SET last_email_check = ? WHERE id = ?`, at.UTC(), id)
}

func (s *SQLite) UpdateUserSettings(ctx context.Context, id uuid.UUID, st models.UserSettings) error {
	return s.execOne(ctx,
		`UPDATE users SET poll_interval_minutes = ?, use_ai_responses = ?, charity_name = ? WHERE id = ?`,
		models.ClampPollInterval(st.PollIntervalMinutes), st.UseAIResponses, st.CharityName, id)
}

// Contacts

func (s *SQLite) ListContacts(ctx context.Context, userID uuid.UUID) ([]models.Contact, error) {
	var contacts []models.Contact
	err := s.q.SelectContext(ctx, &contacts,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? ORDER BY added_at DESC`, userID)
	return contacts, err
}

func (s *SQLite) GetContact(ctx context.Context, userID uuid.UUID, email string) (*models.Contact, error) {
	var c models.Contact
	if err := s.get(ctx, &c,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? AND email = ?`, userID, email); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLite) IsWhitelisted(ctx context.Context, userID uuid.UUID, email string) (bool, error) {
	var whitelisted bool
	err := s.get(ctx, &whitelisted,
		`SELECT is_whitelisted FROM contacts WHERE user_id = ? AND email = ?`, userID, email)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return whitelisted, err
}

func (s *SQLite) UpsertContact(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, email) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE contacts.name END,
			is_whitelisted = (contacts.is_whitelisted OR excluded.is_whitelisted)`,
		c.ID, c.UserID, c.Email, c.Name, c.IsWhitelisted, c.AddedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("upserting contact: %w", err)
	}
	return s.GetContact(ctx, c.UserID, c.Email)
}

// Pending emails

func (s *SQLite) CreatePendingEmail(ctx context.Context, e *models.PendingEmail) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.StatusPending
	}
	created, err := s.execChanged(ctx, `
		INSERT INTO pending_emails (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, message_id) DO NOTHING`,
		e.ID, e.UserID, e.MessageID, e.Sender, e.Subject, e.Snippet,
		e.ReceivedAt.UTC(), string(e.Status), e.DonationLinkID, utcPtr(e.PaidAt))
	if err != nil {
		return false, fmt.Errorf("inserting pending email: %w", err)
	}
	return created, nil
}

func (s *SQLite) GetPendingEmailByMessageID(ctx context.Context, userID uuid.UUID, messageID string) (*models.PendingEmail, error) {
	var e models.PendingEmail
	if err := s.get(ctx, &e,
		`SELECT `+pendingColumns+` FROM pending_emails WHERE user_id = ? AND message_id = ?`,
		userID, messageID); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLite) ListPendingEmails(ctx context.Context, userID uuid.UUID) ([]models.PendingEmail, error) {
	var emails []models.PendingEmail
	err := s.q.SelectContext(ctx, &emails,
		`SELECT `+pendingColumns+` FROM pending_emails WHERE user_id = ? ORDER BY received_at DESC`, userID)
	return emails, err
}

func (s *SQLite) ListPendingEmailsBySender(ctx context.Context, userID uuid.UUID, sender string) ([]models.PendingEmail, error) {
	var emails []models.PendingEmail
	err := s.q.SelectContext(ctx, &emails,
		`SELECT `+pendingColumns+` FROM pending_emails WHERE user_id = ? AND sender = ? ORDER BY received_at`,
		userID, sender)
	return emails, err
}

func (s *SQLite) MarkDonationSent(ctx context.Context, id uuid.UUID, linkID string) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE pending_emails SET status = 'donation_sent', donation_link_id = ?
		WHERE id = ? AND status = 'pending'`, linkID, id)
}

func (s *SQLite) MarkPendingEmailPaid(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE pending_emails SET status = 'paid', paid_at = ?
		WHERE id = ? AND status IN ('pending', 'donation_sent')`, at.UTC(), id)
}

// Payment intentions

func (s *SQLite) CreatePaymentIntention(ctx context.Context, pi *models.PaymentIntention) error {
	if pi.ID == uuid.Nil {
		pi.ID = uuid.New()
	}
	if pi.Status == "" {
		pi.Status = models.IntentionPending
	}
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payment_intentions (`+intentionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pi.ID, pi.UserID, pi.SenderEmail, pi.TargetEmail, pi.PaymentLinkID, pi.SessionID,
		pi.AmountCents, string(pi.Status), pi.Metadata, pi.CreatedAt.UTC(), utcPtr(pi.PaidAt))
	if err != nil {
		return fmt.Errorf("inserting payment intention: %w", err)
	}
	return nil
}

func (s *SQLite) GetPaymentIntentionByLinkID(ctx context.Context, linkID string) (*models.PaymentIntention, error) {
	var pi models.PaymentIntention
	if err := s.get(ctx, &pi, `
		SELECT `+intentionColumns+` FROM payment_intentions
		WHERE payment_link_id = ? ORDER BY created_at DESC LIMIT 1`, linkID); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (s *SQLite) LatestPendingIntention(ctx context.Context, senderEmail, targetEmail string) (*models.PaymentIntention, error) {
	var pi models.PaymentIntention
	if err := s.get(ctx, &pi, `
		SELECT `+intentionColumns+` FROM payment_intentions
		WHERE sender_email = ? AND target_email = ? AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, senderEmail, targetEmail); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (s *SQLite) LatestPendingIntentionAnyUser(ctx context.Context) (*models.PaymentIntention, error) {
	var pi models.PaymentIntention
	if err := s.get(ctx, &pi, `
		SELECT `+intentionColumns+` FROM payment_intentions
		WHERE status = 'pending' ORDER BY created_at DESC LIMIT 1`); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (s *SQLite) MarkIntentionPaid(ctx context.Context, id uuid.UUID, sessionID string, at time.Time) (bool, error) {
	return s.execChanged(ctx, `
		UPDATE payment_intentions
		SET status = 'paid', paid_at = ?,
		    session_id = CASE WHEN ? <> '' THEN ? ELSE session_id END
		WHERE id = ? AND status = 'pending'`, at.UTC(), sessionID, sessionID, id)
}

// Donations

func (s *SQLite) CreateDonation(ctx context.Context, d *models.Donation) (bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = models.DonationCompleted
	}
	if d.PaidAt.IsZero() {
		d.PaidAt = time.Now().UTC()
	}
	created, err := s.execChanged(ctx, `
		INSERT INTO donations (`+donationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		d.ID, d.UserID, d.SessionID, d.AmountCents, d.SenderEmail, d.Status, d.PaidAt.UTC(), d.Counted)
	if err != nil {
		return false, fmt.Errorf("inserting donation: %w", err)
	}
	return created, nil
}

func (s *SQLite) MarkDonationCounted(ctx context.Context, sessionID string) (bool, error) {
	return s.execChanged(ctx,
		`UPDATE donations SET counted = 1 WHERE session_id = ? AND counted = 0`, sessionID)
}

func (s *SQLite) GetDonationBySession(ctx context.Context, sessionID string) (*models.Donation, error) {
	var d models.Donation
	if err := s.get(ctx, &d,
		`SELECT `+donationColumns+` FROM donations WHERE session_id = ?`, sessionID); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) ListDonations(ctx context.Context, userID uuid.UUID) ([]models.Donation, error) {
	var donations []models.Donation
	err := s.q.SelectContext(ctx, &donations,
		`SELECT `+donationColumns+` FROM donations WHERE user_id = ? ORDER BY paid_at DESC`, userID)
	return donations, err
}

// Stats are keyed by the ISO date string of the UTC day.

const statDateLayout = "2006-01-02"

func (s *SQLite) IncrementEmailsFiltered(ctx context.Context, userID uuid.UUID, day time.Time, n int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO email_stats (user_id, stat_date, emails_filtered)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, stat_date)
		DO UPDATE SET emails_filtered = email_stats.emails_filtered + excluded.emails_filtered`,
		userID, models.Day(day).Format(statDateLayout), n)
	return err
}

func (s *SQLite) AddDonationsReceived(ctx context.Context, userID uuid.UUID, day time.Time, cents int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO email_stats (user_id, stat_date, donations_received_cents)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, stat_date)
		DO UPDATE SET donations_received_cents = email_stats.donations_received_cents + excluded.donations_received_cents`,
		userID, models.Day(day).Format(statDateLayout), cents)
	return err
}

// GetEmailStats returns zero counters when no row exists for the day.
func (s *SQLite) GetEmailStats(ctx context.Context, userID uuid.UUID, day time.Time) (*models.EmailStats, error) {
	stats := &models.EmailStats{UserID: userID, Date: models.Day(day)}
	var row struct {
		EmailsFiltered         int64 `db:"emails_filtered"`
		DonationsReceivedCents int64 `db:"donations_received_cents"`
	}
	err := s.get(ctx, &row, `
		SELECT emails_filtered, donations_received_cents FROM email_stats
		WHERE user_id = ? AND stat_date = ?`, userID, stats.Date.Format(statDateLayout))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	stats.EmailsFiltered = row.EmailsFiltered
	stats.DonationsReceivedCents = row.DonationsReceivedCents
	return stats, nil
}
