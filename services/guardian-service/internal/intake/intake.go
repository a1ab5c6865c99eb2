package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	wire "github.com/stoik/guardian/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/composer"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

const (
	// DefaultLookback bounds the first listing of a user without a watermark.
	DefaultLookback = 24 * time.Hour
	// Skew is subtracted from the watermark so no message is lost to clock
	// drift between the service and the provider.
	Skew = time.Second
	// ResumeWindow bounds how far back interrupted donation requests are
	// retried.
	ResumeWindow = 7 * 24 * time.Hour

	defaultMessageTimeout = 30 * time.Second
)

// ErrBusy is returned when the user's mailbox is already being processed.
var ErrBusy = errors.New("mailbox is already being processed")

// Disposition is the outcome of classifying one message.
type Disposition string

const (
	DispositionSelfSent         Disposition = "self_sent"
	DispositionReply            Disposition = "reply"
	DispositionNoise            Disposition = "noise"
	DispositionWhitelisted      Disposition = "whitelisted"
	DispositionAlreadyProcessed Disposition = "already_processed"
	DispositionFiltered         Disposition = "filtered"
)

// Decision is a classification together with what produced it.
type Decision struct {
	Disposition Disposition
	// Rule names the matching reply or noise rule.
	Rule string
	// Existing is the stored row of an already processed message.
	Existing *models.PendingEmail
}

// Summary reports one ProcessNewEmails run.
type Summary struct {
	Since  time.Time
	Listed int
	Counts map[Disposition]int
	Failed int
	// Resumed counts interrupted requests completed from earlier runs.
	Resumed   int
	Refreshed bool
}

func (s *Summary) reset() {
	s.Listed = 0
	s.Failed = 0
	s.Resumed = 0
	s.Counts = make(map[Disposition]int)
}

// Sender sends donation requests for filtered messages.
type Sender interface {
	Send(ctx context.Context, gw mailbox.Gateway, req composer.Request) (*composer.Reply, error)
}

// Options tune a Processor.
type Options struct {
	// MessageTimeout bounds the handling of a single message.
	MessageTimeout time.Duration
	Logger         *log.Logger
	Now            func() time.Time
}

// Processor classifies a user's new mail and executes the dispositions.
type Processor struct {
	store     store.Store
	connector mailbox.Connector
	sender    Sender
	refresher mailbox.TokenRefresher

	messageTimeout time.Duration
	logger         *log.Logger
	now            func() time.Time

	busy sync.Map // uuid.UUID -> *atomic.Bool
}

// NewProcessor creates a Processor. refresher may be nil, in which case an
// expired token fails the run.
func NewProcessor(st store.Store, connector mailbox.Connector, sender Sender, refresher mailbox.TokenRefresher, opts Options) *Processor {
	p := &Processor{
		store:          st,
		connector:      connector,
		sender:         sender,
		refresher:      refresher,
		messageTimeout: opts.MessageTimeout,
		logger:         opts.Logger,
		now:            opts.Now,
	}
	if p.messageTimeout <= 0 {
		p.messageTimeout = defaultMessageTimeout
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Classify decides what to do with msg. The first matching rule wins:
// self-sent, reply to a donation request, bounce or automated noise,
// whitelisted contact, already processed, and finally a first sighting of
// an unknown sender.
func (p *Processor) Classify(ctx context.Context, user *models.User, msg *wire.MailMessage) (Decision, error) {
	sender := senderOf(msg)
	if sender != "" && sender == mailbox.NormalizeAddress(user.Email) {
		return Decision{Disposition: DispositionSelfSent}, nil
	}
	if r, ok := firstMatch(ReplyRules, sender, msg.Subject, msg.Snippet); ok {
		return Decision{Disposition: DispositionReply, Rule: r.Name}, nil
	}
	if sender == "" {
		return Decision{Disposition: DispositionNoise, Rule: "missing-sender"}, nil
	}
	if r, ok := firstMatch(NoiseRules, sender, msg.Subject, msg.Snippet); ok {
		return Decision{Disposition: DispositionNoise, Rule: r.Name}, nil
	}

	whitelisted, err := p.store.IsWhitelisted(ctx, user.ID, sender)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check contact %s: %w", sender, err)
	}
	if whitelisted {
		return Decision{Disposition: DispositionWhitelisted}, nil
	}

	existing, err := p.store.GetPendingEmailByMessageID(ctx, user.ID, msg.ID)
	switch {
	case err == nil:
		return Decision{Disposition: DispositionAlreadyProcessed, Existing: existing}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Decision{}, fmt.Errorf("failed to look up message %s: %w", msg.ID, err)
	}

	return Decision{Disposition: DispositionFiltered}, nil
}

func senderOf(msg *wire.MailMessage) string {
	if s := mailbox.NormalizeAddress(msg.Sender); s != "" {
		return s
	}
	return mailbox.ExtractAddress(msg.From)
}

// ProcessMessage fetches one message from the user's mailbox, classifies it
// and executes its disposition.
func (p *Processor) ProcessMessage(ctx context.Context, user *models.User, messageID string) (Disposition, error) {
	return p.processMessage(ctx, p.connector.Connect(user), user, messageID)
}

func (p *Processor) processMessage(ctx context.Context, gw mailbox.Gateway, user *models.User, messageID string) (Disposition, error) {
	msg, err := gw.GetMessage(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}

	d, err := p.Classify(ctx, user, msg)
	if err != nil {
		return "", err
	}
	sender := senderOf(msg)
	logger := p.logger.With("user", user.Email, "message", msg.ID, "sender", sender)

	switch d.Disposition {
	case DispositionSelfSent, DispositionNoise:
		logger.Debug("Ignoring message", "disposition", d.Disposition, "rule", d.Rule)

	case DispositionReply:
		if err := gw.AddLabel(ctx, msg.ID, mailbox.LabelDonationReplies); err != nil {
			return d.Disposition, fmt.Errorf("failed to label reply: %w", err)
		}
		if err := gw.RemoveFromInbox(ctx, msg.ID); err != nil {
			return d.Disposition, fmt.Errorf("failed to archive reply: %w", err)
		}
		logger.Info("Archived reply to donation request", "rule", d.Rule)

	case DispositionWhitelisted:
		if err := gw.AddLabel(ctx, msg.ID, mailbox.LabelKnownContacts); err != nil {
			return d.Disposition, fmt.Errorf("failed to label known contact: %w", err)
		}
		if err := gw.MoveToInbox(ctx, msg.ID); err != nil {
			return d.Disposition, fmt.Errorf("failed to keep message in inbox: %w", err)
		}
		logger.Debug("Delivered message from known contact")

	case DispositionAlreadyProcessed:
		// A row still pending without a link id never got its request out,
		// typically because the token expired mid-message.
		if e := d.Existing; e.Status == models.StatusPending && e.DonationLinkID == "" {
			logger.Info("Resuming interrupted donation request")
			return DispositionFiltered, p.intercept(ctx, gw, user, msg, e)
		}
		logger.Debug("Message already processed", "status", d.Existing.Status)

	case DispositionFiltered:
		pending := &models.PendingEmail{
			UserID:     user.ID,
			MessageID:  msg.ID,
			Sender:     sender,
			Subject:    msg.Subject,
			Snippet:    msg.Snippet,
			ReceivedAt: msg.ReceivedAt,
			Status:     models.StatusPending,
		}
		if pending.ReceivedAt.IsZero() {
			pending.ReceivedAt = p.now().UTC()
		}
		created, err := p.store.CreatePendingEmail(ctx, pending)
		if err != nil {
			return d.Disposition, fmt.Errorf("failed to record pending email: %w", err)
		}
		if !created {
			logger.Debug("Message recorded concurrently")
			return DispositionAlreadyProcessed, nil
		}
		if err := p.intercept(ctx, gw, user, msg, pending); err != nil {
			return d.Disposition, err
		}
	}

	return d.Disposition, nil
}

// intercept holds a recorded message back: it tags it, asks the sender for
// a donation, archives it and counts it.
func (p *Processor) intercept(ctx context.Context, gw mailbox.Gateway, user *models.User, msg *wire.MailMessage, pending *models.PendingEmail) error {
	logger := p.logger.With("user", user.Email, "message", msg.ID, "sender", pending.Sender)

	if err := gw.AddLabel(ctx, msg.ID, mailbox.LabelPendingDonation); err != nil {
		if fatal(ctx, err) {
			return fmt.Errorf("failed to label pending message: %w", err)
		}
		logger.Warn("Failed to add pending label", "error", err)
	}

	if _, err := p.sender.Send(ctx, gw, composer.Request{
		User:      user,
		Pending:   pending,
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.MessageID,
	}); err != nil {
		return fmt.Errorf("failed to request donation: %w", err)
	}

	if err := gw.RemoveFromInbox(ctx, msg.ID); err != nil {
		if fatal(ctx, err) {
			return fmt.Errorf("failed to archive message: %w", err)
		}
		logger.Warn("Failed to remove message from inbox", "error", err)
	}

	if err := p.store.IncrementEmailsFiltered(ctx, user.ID, p.now(), 1); err != nil {
		logger.Warn("Failed to count filtered email", "error", err)
	}

	logger.Info("Filtered message from unknown sender", "subject", msg.Subject)
	return nil
}

// fatal reports whether err must abort the current message instead of
// being logged.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, mailbox.ErrAuthExpired) || ctx.Err() != nil
}

// Since returns the lower bound of the next listing for user at now.
func Since(user *models.User, now time.Time) time.Time {
	if user.LastEmailCheck == nil || user.LastEmailCheck.IsZero() {
		return now.Add(-DefaultLookback)
	}
	return user.LastEmailCheck.Add(-Skew)
}

func (p *Processor) lock(id uuid.UUID) (func(), bool) {
	v, _ := p.busy.LoadOrStore(id, atomic.NewBool(false))
	flag := v.(*atomic.Bool)
	if !flag.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { flag.Store(false) }, true
}

// ProcessNewEmails lists the user's mail received since the watermark and
// processes it one message at a time in mailbox order. Per-message failures
// are logged and skipped; recorded messages whose donation request never
// went out are retried on every run. An expired token is refreshed once, persisted, and
// the batch retried; already handled messages are no-ops on the retry.
// The watermark itself is left to the caller.
func (p *Processor) ProcessNewEmails(ctx context.Context, user *models.User) (Summary, error) {
	summary := Summary{Since: Since(user, p.now())}
	summary.reset()

	unlock, ok := p.lock(user.ID)
	if !ok {
		return summary, ErrBusy
	}
	defer unlock()

	u := *user
	err := p.processBatch(ctx, &u, &summary)
	if !errors.Is(err, mailbox.ErrAuthExpired) {
		return summary, err
	}

	p.logger.Info("Mailbox authorization expired, refreshing token", "user", u.Email)
	if err := p.refresh(ctx, &u); err != nil {
		return summary, err
	}
	summary.Refreshed = true
	summary.reset()
	return summary, p.processBatch(ctx, &u, &summary)
}

func (p *Processor) processBatch(ctx context.Context, user *models.User, summary *Summary) error {
	gw := p.connector.Connect(user)

	ids, err := gw.ListMessagesSince(ctx, summary.Since, user.Email)
	if err != nil {
		return fmt.Errorf("failed to list messages for %s: %w", user.Email, err)
	}
	summary.Listed = len(ids)

	handled := make(map[string]bool, len(ids))
	for _, id := range ids {
		handled[id] = true
		d, err := p.runMessage(ctx, gw, user, id)
		if err := p.batchError(ctx, err); err != nil {
			return err
		}
		if err != nil {
			summary.Failed++
			p.logger.Error("Failed to process message", "user", user.Email, "message", id, "error", err)
			continue
		}
		summary.Counts[d]++
	}

	if err := p.resumeInterrupted(ctx, gw, user, handled, summary); err != nil {
		return err
	}

	if summary.Listed > 0 || summary.Resumed > 0 {
		p.logger.Info("Processed new emails",
			"user", user.Email, "listed", summary.Listed, "resumed", summary.Resumed,
			"filtered", summary.Counts[DispositionFiltered], "failed", summary.Failed)
	}
	return nil
}

// resumeInterrupted retries the donation request of recorded messages that
// never got one. They sit behind the watermark, so listing alone would not
// revisit them. Rows older than ResumeWindow are left alone.
func (p *Processor) resumeInterrupted(ctx context.Context, gw mailbox.Gateway, user *models.User, handled map[string]bool, summary *Summary) error {
	rows, err := p.store.ListPendingEmails(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending emails for %s: %w", user.Email, err)
	}
	cutoff := p.now().Add(-ResumeWindow)

	// Oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		e := rows[i]
		if e.Status != models.StatusPending || e.DonationLinkID != "" || handled[e.MessageID] {
			continue
		}
		if e.ReceivedAt.Before(cutoff) {
			continue
		}
		handled[e.MessageID] = true

		_, err := p.runMessage(ctx, gw, user, e.MessageID)
		if err := p.batchError(ctx, err); err != nil {
			return err
		}
		if err != nil {
			summary.Failed++
			p.logger.Error("Failed to resume message", "user", user.Email, "message", e.MessageID, "error", err)
			continue
		}
		summary.Resumed++
	}
	return nil
}

// runMessage processes one message under the per-message timeout.
func (p *Processor) runMessage(ctx context.Context, gw mailbox.Gateway, user *models.User, id string) (Disposition, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mctx, cancel := context.WithTimeout(ctx, p.messageTimeout)
	defer cancel()
	return p.processMessage(mctx, gw, user, id)
}

// batchError returns the error that must abort the batch, or nil when err
// only affects its own message.
func (p *Processor) batchError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mailbox.ErrAuthExpired):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

// refresh exchanges the user's refresh token and persists the new tokens.
func (p *Processor) refresh(ctx context.Context, user *models.User) error {
	if p.refresher == nil || user.RefreshToken == "" {
		return fmt.Errorf("cannot refresh token for %s: %w", user.Email, mailbox.ErrAuthExpired)
	}
	tok, err := p.refresher.Refresh(ctx, user.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to refresh token for %s: %w", user.Email, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = user.RefreshToken
	}
	if err := p.store.UpdateUserTokens(ctx, user.ID, tok.AccessToken, refreshToken); err != nil {
		return fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	user.AccessToken = tok.AccessToken
	user.RefreshToken = refreshToken
	return nil
}
