package composer

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/stoik/guardian/services/guardian-service/internal/generate"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

// Request identifies the intercepted message a donation request answers.
type Request struct {
	User    *models.User
	Pending *models.PendingEmail
	// ThreadID and InReplyTo thread the reply with the original message.
	ThreadID  string
	InReplyTo string
}

// Reply is a composed donation request.
type Reply struct {
	To          string
	Subject     string
	Body        string
	LinkID      string
	LinkURL     string
	AIGenerated bool
	// Degraded is set when no payment link could be created and the
	// manual instructions body was used.
	Degraded bool
	SentID   string
}

// Composer builds and sends donation requests.
type Composer struct {
	store       store.Store
	payments    payment.Gateway
	generator   generate.Generator
	amountCents int64
	logger      *log.Logger
}

// New creates a Composer. generator may be nil, in which case every reply
// uses the template.
func New(st store.Store, payments payment.Gateway, generator generate.Generator, amountCents int64, logger *log.Logger) *Composer {
	if logger == nil {
		logger = log.Default()
	}
	return &Composer{
		store:       st,
		payments:    payments,
		generator:   generator,
		amountCents: amountCents,
		logger:      logger,
	}
}

// Compose obtains a payment link, records the payment intention and builds
// the reply body. Gateway and generator failures degrade to the manual or
// template body; Compose itself never fails on them.
func (c *Composer) Compose(ctx context.Context, req Request) (*Reply, error) {
	if req.User == nil || req.Pending == nil {
		return nil, fmt.Errorf("compose: user and pending email are required")
	}
	user, pending := req.User, req.Pending
	logger := c.logger.With("user", user.Email, "sender", pending.Sender)

	reply := &Reply{
		To:      pending.Sender,
		Subject: ReplySubject(pending.Subject),
	}

	linkReq := payment.LinkRequest{
		SenderEmail: pending.Sender,
		TargetEmail: user.Email,
		UserID:      user.ID,
		CharityName: user.Charity(),
		AmountCents: c.amountCents,
	}
	link, err := c.payments.CreatePaymentLink(ctx, linkReq)
	if err != nil {
		logger.Warn("Payment link creation failed, sending manual instructions", "error", err)
		reply.Body = ManualInstructionsBody(user.Charity(), c.amountCents)
		reply.LinkID = models.ManualRequestLinkID
		reply.Degraded = true
		return reply, nil
	}
	reply.LinkID = link.ID
	reply.LinkURL = link.URL

	intention := &models.PaymentIntention{
		UserID:        user.ID,
		SenderEmail:   pending.Sender,
		TargetEmail:   user.Email,
		PaymentLinkID: link.ID,
		AmountCents:   c.amountCents,
		Status:        models.IntentionPending,
		Metadata:      linkReq.Metadata(),
	}
	if err := c.store.CreatePaymentIntention(ctx, intention); err != nil {
		// The link metadata still resolves the payment directly.
		logger.Error("Failed to record payment intention", "link", link.ID, "error", err)
	}

	reply.Body = TemplateBody(user.Charity(), c.amountCents, link.URL)
	if user.UseAIResponses && c.generator != nil {
		text, err := c.generator.GenerateReply(ctx, generate.ReplyPrompt{
			SenderEmail: pending.Sender,
			TargetEmail: user.Email,
			Subject:     pending.Subject,
			Content:     pending.Snippet,
			CharityName: user.Charity(),
			PaymentLink: link.URL,
			AmountCents: c.amountCents,
		})
		switch {
		case err != nil:
			logger.Warn("Reply generation failed, using template", "error", err)
		case strings.TrimSpace(text) == "":
			logger.Warn("Reply generation returned nothing, using template")
		default:
			reply.Body = text
			reply.AIGenerated = true
		}
	}

	return reply, nil
}

// Send composes the reply, sends it from the user's mailbox and moves the
// pending email to donation_sent.
func (c *Composer) Send(ctx context.Context, gw mailbox.Gateway, req Request) (*Reply, error) {
	reply, err := c.Compose(ctx, req)
	if err != nil {
		return nil, err
	}

	sentID, err := gw.SendMessage(ctx, mailbox.OutgoingMessage{
		From:      req.User.Email,
		To:        reply.To,
		Subject:   reply.Subject,
		Body:      reply.Body,
		InReplyTo: req.InReplyTo,
		ThreadID:  req.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send donation request to %s: %w", reply.To, err)
	}
	reply.SentID = sentID

	moved, err := c.store.MarkDonationSent(ctx, req.Pending.ID, reply.LinkID)
	if err != nil {
		return reply, fmt.Errorf("failed to mark donation sent: %w", err)
	}
	if !moved {
		c.logger.Debug("Pending email already advanced", "pending", req.Pending.ID)
	} else {
		req.Pending.Status = models.StatusDonationSent
		req.Pending.DonationLinkID = reply.LinkID
	}

	c.logger.Info("Sent donation request",
		"user", req.User.Email, "sender", reply.To, "link", reply.LinkID,
		"ai", reply.AIGenerated, "degraded", reply.Degraded)
	return reply, nil
}
