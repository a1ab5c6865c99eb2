package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stoik/guardian/services/guardian-service/internal/models"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgres wraps an initialised pool. Close does not close the pool;
// the db package owns it.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, q: pool}
}

const (
	userColumns      = `id, email, access_token, refresh_token, poll_interval_minutes, last_email_check, use_ai_responses, charity_name, created_at`
	contactColumns   = `id, user_id, email, name, is_whitelisted, added_at`
	pendingColumns   = `id, user_id, message_id, sender, subject, snippet, received_at, status, donation_link_id, paid_at`
	intentionColumns = `id, user_id, sender_email, target_email, payment_link_id, session_id, amount_cents, status, metadata, created_at, paid_at`
	donationColumns  = `id, user_id, session_id, amount_cents, sender_email, status, paid_at, counted`
)

func (p *Postgres) Close() error { return nil }

func (p *Postgres) InTx(ctx context.Context, fn func(Store) error) error {
	if p.pool == nil {
		// Already inside a transaction.
		return fn(p)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&Postgres{q: tx})
	})
}

func one[T any](rows pgx.Rows, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	v, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[T])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func many[T any](rows pgx.Rows, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

// Users

func (p *Postgres) ListUsers(ctx context.Context) ([]models.User, error) {
	return many[models.User](p.q.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`))
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return one[models.User](p.q.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return one[models.User](p.q.Query(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.PollIntervalMinutes = models.ClampPollInterval(u.PollIntervalMinutes)

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := p.q.Exec(ctx, query,
		u.ID, u.Email, u.AccessToken, u.RefreshToken, u.PollIntervalMinutes,
		u.LastEmailCheck, u.UseAIResponses, u.CharityName, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateUserTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string) error {
	return p.execOne(ctx,
		`UPDATE users SET access_token = $2, refresh_token = $3 WHERE id = $1`,
		id, accessToken, refreshToken)
}

func (p *Postgres) UpdateUserLastEmailCheck(ctx context.Context, id uuid.UUID, at time.Time) error {
	return p.execOne(ctx, `UPDATE users SET last_email_check = $2 WHERE id = $1`, id, at)
}

func (p *Postgres) UpdateUserSettings(ctx context.Context, id uuid.UUID, s models.UserSettings) error {
	return p.execOne(ctx,
		`UPDATE users SET poll_interval_minutes = $2, use_ai_responses = $3, charity_name = $4 WHERE id = $1`,
		id, models.ClampPollInterval(s.PollIntervalMinutes), s.UseAIResponses, s.CharityName)
}

func (p *Postgres) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := p.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Contacts

func (p *Postgres) ListContacts(ctx context.Context, userID uuid.UUID) ([]models.Contact, error) {
	return many[models.Contact](p.q.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = $1 ORDER BY added_at DESC`, userID))
}

func (p *Postgres) GetContact(ctx context.Context, userID uuid.UUID, email string) (*models.Contact, error) {
	return one[models.Contact](p.q.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = $1 AND email = $2`, userID, email))
}

func (p *Postgres) IsWhitelisted(ctx context.Context, userID uuid.UUID, email string) (bool, error) {
	var whitelisted bool
	err := p.q.QueryRow(ctx,
		`SELECT is_whitelisted FROM contacts WHERE user_id = $1 AND email = $2`,
		userID, email,
	).Scan(&whitelisted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return whitelisted, err
}

func (p *Postgres) UpsertContact(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO contacts (` + contactColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, email) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE contacts.name END,
			is_whitelisted = contacts.is_whitelisted OR EXCLUDED.is_whitelisted
		RETURNING ` + contactColumns
	return one[models.Contact](p.q.Query(ctx, query,
		c.ID, c.UserID, c.Email, c.Name, c.IsWhitelisted, c.AddedAt))
}

// Pending emails

func (p *Postgres) CreatePendingEmail(ctx context.Context, e *models.PendingEmail) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.StatusPending
	}
	query := `
		INSERT INTO pending_emails (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, message_id) DO NOTHING
	`
	tag, err := p.q.Exec(ctx, query,
		e.ID, e.UserID, e.MessageID, e.Sender, e.Subject, e.Snippet,
		e.ReceivedAt, string(e.Status), e.DonationLinkID, e.PaidAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert pending email: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) GetPendingEmailByMessageID(ctx context.Context, userID uuid.UUID, messageID string) (*models.PendingEmail, error) {
	return one[models.PendingEmail](p.q.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_emails WHERE user_id = $1 AND message_id = $2`,
		userID, messageID))
}

func (p *Postgres) ListPendingEmails(ctx context.Context, userID uuid.UUID) ([]models.PendingEmail, error) {
	return many[models.PendingEmail](p.q.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_emails WHERE user_id = $1 ORDER BY received_at DESC`, userID))
}

func (p *Postgres) ListPendingEmailsBySender(ctx context.Context, userID uuid.UUID, sender string) ([]models.PendingEmail, error) {
	return many[models.PendingEmail](p.q.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_emails WHERE user_id = $1 AND sender = $2 ORDER BY received_at`,
		userID, sender))
}

func (p *Postgres) MarkDonationSent(ctx context.Context, id uuid.UUID, linkID string) (bool, error) {
	tag, err := p.q.Exec(ctx, `
		UPDATE pending_emails SET status = 'donation_sent', donation_link_id = $2
		WHERE id = $1 AND status = 'pending'`, id, linkID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) MarkPendingEmailPaid(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := p.q.Exec(ctx, `
		UPDATE pending_emails SET status = 'paid', paid_at = $2
		WHERE id = $1 AND status IN ('pending', 'donation_sent')`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Payment intentions

func (p *Postgres) CreatePaymentIntention(ctx context.Context, pi *models.PaymentIntention) error {
	if pi.ID == uuid.Nil {
		pi.ID = uuid.New()
	}
	if pi.Status == "" {
		pi.Status = models.IntentionPending
	}
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = time.Now().UTC()
	}
	meta, err := pi.Metadata.Value()
	if err != nil {
		return fmt.Errorf("encoding intention metadata: %w", err)
	}
	query := `
		INSERT INTO payment_intentions (` + intentionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = p.q.Exec(ctx, query,
		pi.ID, pi.UserID, pi.SenderEmail, pi.TargetEmail, pi.PaymentLinkID, pi.SessionID,
		pi.AmountCents, string(pi.Status), meta, pi.CreatedAt, pi.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment intention: %w", err)
	}
	return nil
}

func (p *Postgres) GetPaymentIntentionByLinkID(ctx context.Context, linkID string) (*models.PaymentIntention, error) {
	return one[models.PaymentIntention](p.q.Query(ctx, `
		SELECT `+intentionColumns+` FROM payment_intentions
		WHERE payment_link_id = $1 ORDER BY created_at DESC LIMIT 1`, linkID))
}

func (p *Postgres) LatestPendingIntention(ctx context.Context, senderEmail, targetEmail string) (*models.PaymentIntention, error) {
	return one[models.PaymentIntention](p.q.Query(ctx, `
		SELECT `+intentionColumns+` FROM payment_intentions
		WHERE sender_email = $1 AND target_email = $2 AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, senderEmail, targetEmail))
}

func (p *Postgres) LatestPendingIntentionAnyUser(ctx context.Context) (*models.PaymentIntention, error) {
	return one[models.PaymentIntention](p.q.Query(ctx, `
		SELECT `+intentionColumns+` FROM payment_intentions
		WHERE status = 'pending' ORDER BY created_at DESC LIMIT 1`))
}

func (p *Postgres) MarkIntentionPaid(ctx context.Context, id uuid.UUID, sessionID string, at time.Time) (bool, error) {
	tag, err := p.q.Exec(ctx, `
		UPDATE payment_intentions
		SET status = 'paid', paid_at = $3,
		    session_id = CASE WHEN $2 <> '' THEN $2 ELSE session_id END
		WHERE id = $1 AND status = 'pending'`, id, sessionID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Donations

func (p *Postgres) CreateDonation(ctx context.Context, d *models.Donation) (bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = models.DonationCompleted
	}
	if d.PaidAt.IsZero() {
		d.PaidAt = time.Now().UTC()
	}
	query := `
		INSERT INTO donations (` + donationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING
	`
	tag, err := p.q.Exec(ctx, query,
		d.ID, d.UserID, d.SessionID, d.AmountCents, d.SenderEmail, d.Status, d.PaidAt, d.Counted)
	if err != nil {
		return false, fmt.Errorf("failed to insert donation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) MarkDonationCounted(ctx context.Context, sessionID string) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE donations SET counted = true WHERE session_id = $1 AND NOT counted`, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) GetDonationBySession(ctx context.Context, sessionID string) (*models.Donation, error) {
	return one[models.Donation](p.q.Query(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE session_id = $1`, sessionID))
}

func (p *Postgres) ListDonations(ctx context.Context, userID uuid.UUID) ([]models.Donation, error) {
	return many[models.Donation](p.q.Query(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE user_id = $1 ORDER BY paid_at DESC`, userID))
}

// Stats

func (p *Postgres) IncrementEmailsFiltered(ctx context.Context, userID uuid.UUID, day time.Time, n int64) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO email_stats (user_id, stat_date, emails_filtered)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, stat_date)
		DO UPDATE SET emails_filtered = email_stats.emails_filtered + EXCLUDED.emails_filtered`,
		userID, models.Day(day), n)
	return err
}

func (p *Postgres) AddDonationsReceived(ctx context.Context, userID uuid.UUID, day time.Time, cents int64) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO email_stats (user_id, stat_date, donations_received_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, stat_date)
		DO UPDATE SET donations_received_cents = email_stats.donations_received_cents + EXCLUDED.donations_received_cents`,
		userID, models.Day(day), cents)
	return err
}

// GetEmailStats returns zero counters when no row exists for the day.
func (p *Postgres) GetEmailStats(ctx context.Context, userID uuid.UUID, day time.Time) (*models.EmailStats, error) {
	stats := &models.EmailStats{UserID: userID, Date: models.Day(day)}
	err := p.q.QueryRow(ctx, `
		SELECT emails_filtered, donations_received_cents FROM email_stats
		WHERE user_id = $1 AND stat_date = $2`, userID, stats.Date,
	).Scan(&stats.EmailsFiltered, &stats.DonationsReceivedCents)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return stats, nil
}
