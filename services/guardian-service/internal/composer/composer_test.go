package composer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/guardian/services/guardian-service/internal/generate"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox/mailboxtest"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
	"github.com/stoik/guardian/services/guardian-service/internal/store/storetest"
)

type fakePayments struct {
	err  error
	reqs []payment.LinkRequest
}

func (f *fakePayments) CreatePaymentLink(ctx context.Context, req payment.LinkRequest) (*payment.Link, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Link{ID: "plink_1", URL: "https://pay.example/plink_1"}, nil
}

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) GenerateReply(ctx context.Context, p generate.ReplyPrompt) (string, error) {
	return f.text, f.err
}

func setup(t *testing.T, useAI bool) (store.Store, *models.User, *models.PendingEmail) {
	t.Helper()
	ctx := context.Background()
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")
	u.UseAIResponses = useAI
	u.CharityName = "Clean Water"

	p := &models.PendingEmail{
		UserID:     u.ID,
		MessageID:  "msg-1",
		Sender:     "x@y.com",
		Subject:    "Quick question",
		Snippet:    "Do you have a minute?",
		ReceivedAt: time.Now().UTC(),
	}
	_, err := s.CreatePendingEmail(ctx, p)
	require.NoError(t, err)
	return s, u, p
}

func quiet() *log.Logger {
	return log.New(io.Discard)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Quick question - Email Access Request", ReplySubject("Quick question"))
}

func TestTemplateBodyIsDeterministic(t *testing.T) {
	a := TemplateBody("Clean Water", 100, "https://pay.example/1")
	b := TemplateBody("Clean Water", 100, "https://pay.example/1")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "$1.00")
	assert.Contains(t, a, "https://pay.example/1")
	assert.Contains(t, a, "Clean Water")
	assert.Contains(t, a, "known contacts")

	manual := ManualInstructionsBody("Clean Water", 250)
	assert.Contains(t, manual, "$2.50")
	assert.NotContains(t, manual, "http")
}

func TestComposeTemplate(t *testing.T) {
	ctx := context.Background()
	s, u, p := setup(t, false)
	pay := &fakePayments{}
	gen := &fakeGenerator{text: "should not be used"}
	c := New(s, pay, gen, 100, quiet())

	reply, err := c.Compose(ctx, Request{User: u, Pending: p})
	require.NoError(t, err)
	assert.Equal(t, TemplateBody("Clean Water", 100, "https://pay.example/plink_1"), reply.Body)
	assert.Equal(t, "plink_1", reply.LinkID)
	assert.False(t, reply.AIGenerated)
	assert.False(t, reply.Degraded)

	require.Len(t, pay.reqs, 1)
	meta := pay.reqs[0].Metadata()
	assert.Equal(t, "x@y.com", meta[models.MetaSenderEmail])
	assert.Equal(t, u.Email, meta[models.MetaTargetEmail])
	assert.Equal(t, u.ID.String(), meta[models.MetaUserID])
	assert.Equal(t, models.PaymentTypeInboxAccess, meta[models.MetaType])

	pi, err := s.GetPaymentIntentionByLinkID(ctx, "plink_1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, pi.UserID)
	assert.Equal(t, "x@y.com", pi.SenderEmail)
	assert.Equal(t, models.IntentionPending, pi.Status)
	assert.Equal(t, int64(100), pi.AmountCents)
}

func TestComposeAI(t *testing.T) {
	ctx := context.Background()
	s, u, p := setup(t, true)
	c := New(s, &fakePayments{}, &fakeGenerator{text: "Hi! Thanks for the question."}, 100, quiet())

	reply, err := c.Compose(ctx, Request{User: u, Pending: p})
	require.NoError(t, err)
	assert.Equal(t, "Hi! Thanks for the question.", reply.Body)
	assert.True(t, reply.AIGenerated)
}

func TestComposeAIFallbackMatchesTemplate(t *testing.T) {
	tests := []struct {
		name string
		gen  generate.Generator
	}{
		{"generator error", &fakeGenerator{err: errors.New("rate limited")}},
		{"empty output", &fakeGenerator{text: "  \n"}},
		{"no generator", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, u, p := setup(t, true)
			c := New(s, &fakePayments{}, tt.gen, 100, quiet())

			reply, err := c.Compose(context.Background(), Request{User: u, Pending: p})
			require.NoError(t, err)
			assert.Equal(t, TemplateBody("Clean Water", 100, "https://pay.example/plink_1"), reply.Body)
			assert.False(t, reply.AIGenerated)
		})
	}
}

func TestComposeLinkFailureSendsManualInstructions(t *testing.T) {
	ctx := context.Background()
	s, u, p := setup(t, true)
	c := New(s, &fakePayments{err: payment.ErrNotConfigured}, &fakeGenerator{text: "unused"}, 100, quiet())

	reply, err := c.Compose(ctx, Request{User: u, Pending: p})
	require.NoError(t, err)
	assert.True(t, reply.Degraded)
	assert.Equal(t, models.ManualRequestLinkID, reply.LinkID)
	assert.Equal(t, ManualInstructionsBody("Clean Water", 100), reply.Body)

	_, err = s.LatestPendingIntention(ctx, "x@y.com", u.Email)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	s, u, p := setup(t, false)
	box := mailboxtest.New(u.Email)
	c := New(s, &fakePayments{}, nil, 100, quiet())

	reply, err := c.Send(ctx, box, Request{User: u, Pending: p, ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", reply.SentID)

	sent := box.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "x@y.com", sent[0].To)
	assert.Equal(t, "Re: Quick question - Email Access Request", sent[0].Subject)
	assert.Equal(t, "thread-1", sent[0].ThreadID)
	assert.Equal(t, reply.Body, sent[0].Body)

	got, err := s.GetPendingEmailByMessageID(ctx, u.ID, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDonationSent, got.Status)
	assert.Equal(t, "plink_1", got.DonationLinkID)
}

func TestSendDegradedMarksManualRequest(t *testing.T) {
	ctx := context.Background()
	s, u, p := setup(t, false)
	box := mailboxtest.New(u.Email)
	c := New(s, &fakePayments{err: errors.New("stripe down")}, nil, 100, quiet())

	_, err := c.Send(ctx, box, Request{User: u, Pending: p})
	require.NoError(t, err)
	require.Len(t, box.Sent(), 1)

	got, err := s.GetPendingEmailByMessageID(ctx, u.ID, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDonationSent, got.Status)
	assert.Equal(t, models.ManualRequestLinkID, got.DonationLinkID)
}

func TestSendFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	s, u, p := setup(t, false)
	box := mailboxtest.New(u.Email)
	box.Fail(mailboxtest.OpSend, errors.New("quota exceeded"))
	c := New(s, &fakePayments{}, nil, 100, quiet())

	_, err := c.Send(ctx, box, Request{User: u, Pending: p})
	require.Error(t, err)

	got, err := s.GetPendingEmailByMessageID(ctx, u.ID, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}
