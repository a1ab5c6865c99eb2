package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wire "github.com/stoik/guardian/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/intake"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox/mailboxtest"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/reconcile"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
	"github.com/stoik/guardian/services/guardian-service/internal/store/storetest"
)

type stubProcessor struct {
	summary intake.Summary
	err     error
	calls   int
}

func (p *stubProcessor) ProcessNewEmails(ctx context.Context, user *models.User) (intake.Summary, error) {
	p.calls++
	return p.summary, p.err
}

type env struct {
	store  store.Store
	user   *models.User
	proc   *stubProcessor
	parsed *payment.Notification
	perr   error
	router *gin.Engine
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	quiet := log.New(io.Discard)

	e := &env{
		store: storetest.New(t),
		proc:  &stubProcessor{},
		now:   time.Now().UTC(),
	}
	e.user = storetest.User(t, e.store, "owner@example.com")

	rec := reconcile.New(e.store, mailboxtest.NewConnector(), reconcile.Options{
		AmountCents: 100,
		Logger:      quiet,
	})
	srv := New(e.store, e.proc, rec, Options{
		ParseWebhook: func(payload []byte, signature string) (*payment.Notification, error) {
			if signature != "valid" {
				return nil, errors.New("signature mismatch")
			}
			return e.parsed, e.perr
		},
		AmountCents: 100,
		Logger:      quiet,
		Now:         func() time.Time { return e.now },
	})
	e.router = srv.Router()
	return e
}

func (e *env) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *env) userPath(suffix string) string {
	return "/api/users/" + e.user.ID.String() + suffix
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownUser(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/users/not-a-uuid/contacts", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/users/00000000-0000-0000-0000-000000000001/contacts", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContacts(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, e.userPath("/contacts"), wire.ContactRequest{Email: "Friend <Friend@Example.com>", Name: "Friend"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	added := decode[wire.Contact](t, w)
	assert.Equal(t, "friend@example.com", added.Email)
	assert.True(t, added.IsWhitelisted)

	// Posting again without the flag never revokes it.
	no := false
	w = e.do(t, http.MethodPost, e.userPath("/contacts"), wire.ContactRequest{Email: "friend@example.com", IsWhitelisted: &no})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[wire.Contact](t, w).IsWhitelisted)

	w = e.do(t, http.MethodGet, e.userPath("/contacts"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]wire.Contact](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "Friend", list[0].Name)

	w = e.do(t, http.MethodPost, e.userPath("/contacts"), wire.ContactRequest{Email: "not an address"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettings(t *testing.T) {
	e := newEnv(t)

	interval, charity, ai := 0.1, "Clean Water", true
	w := e.do(t, http.MethodPut, e.userPath("/settings"), wire.SettingsRequest{
		PollIntervalMinutes: &interval,
		CharityName:         &charity,
		UseAIResponses:      &ai,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode[wire.Settings](t, e.do(t, http.MethodGet, e.userPath("/settings"), nil))
	assert.Equal(t, models.MinPollIntervalMinutes, got.PollIntervalMinutes)
	assert.Equal(t, "Clean Water", got.CharityName)
	assert.True(t, got.UseAIResponses)
}

func TestPendingEmailsDonationsAndStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i, status := range []models.Status{models.StatusDonationSent, models.StatusPaid} {
		_, err := e.store.CreatePendingEmail(ctx, &models.PendingEmail{
			UserID:     e.user.ID,
			MessageID:  []string{"m1", "m2"}[i],
			Sender:     "a@b.com",
			Subject:    "Quick question",
			ReceivedAt: e.now,
			Status:     status,
		})
		require.NoError(t, err)
	}
	_, err := e.store.CreateDonation(ctx, &models.Donation{UserID: e.user.ID, SessionID: "cs_1", AmountCents: 100, SenderEmail: "a@b.com"})
	require.NoError(t, err)
	require.NoError(t, e.store.IncrementEmailsFiltered(ctx, e.user.ID, e.now, 2))

	pending := decode[[]wire.PendingEmail](t, e.do(t, http.MethodGet, e.userPath("/pending-emails"), nil))
	require.Len(t, pending, 2)
	delivered := 0
	for _, p := range pending {
		if p.Delivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)

	donations := decode[[]wire.Donation](t, e.do(t, http.MethodGet, e.userPath("/donations"), nil))
	require.Len(t, donations, 1)
	assert.Equal(t, "cs_1", donations[0].SessionID)

	stats := decode[models.DashboardStats](t, e.do(t, http.MethodGet, e.userPath("/stats"), nil))
	assert.Equal(t, int64(2), stats.EmailsFiltered)
	assert.Equal(t, 1, stats.PendingDonations)
	assert.Equal(t, int64(100), stats.PendingRevenueCents)
	assert.Equal(t, int64(100), stats.DonationsReceivedCents)
	assert.Equal(t, 1, stats.DonationsCount)
}

func TestStripeWebhook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.store.CreatePendingEmail(ctx, &models.PendingEmail{
		UserID: e.user.ID, MessageID: "m1", Sender: "a@b.com", ReceivedAt: e.now, Status: models.StatusDonationSent,
	})
	require.NoError(t, err)

	e.parsed = &payment.Notification{
		Type:      payment.EventPaymentSucceeded,
		SessionID: "cs_1",
		Metadata: map[string]string{
			models.MetaSenderEmail: "a@b.com",
			models.MetaUserID:      e.user.ID.String(),
		},
	}

	w := e.do(t, http.MethodPost, "/api/webhooks/stripe", map[string]string{"id": "evt_1"}, "Stripe-Signature", "valid")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[wire.ReconcileResponse](t, w)
	assert.Equal(t, string(reconcile.Direct), out.Resolution)
	assert.Equal(t, []string{"m1"}, out.Released)

	w = e.do(t, http.MethodPost, "/api/webhooks/stripe", map[string]string{"id": "evt_1"}, "Stripe-Signature", "valid")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[wire.ReconcileResponse](t, w).Duplicate)

	w = e.do(t, http.MethodPost, "/api/webhooks/stripe", map[string]string{"id": "evt_2"}, "Stripe-Signature", "forged")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.perr = payment.ErrIgnoredEvent
	w = e.do(t, http.MethodPost, "/api/webhooks/stripe", map[string]string{"id": "evt_3"}, "Stripe-Signature", "valid")
	assert.Equal(t, http.StatusOK, w.Code)

	e.perr = nil
	e.parsed = &payment.Notification{Type: payment.EventPaymentSucceeded, SessionID: "cs_orphan"}
	w = e.do(t, http.MethodPost, "/api/webhooks/stripe", map[string]string{"id": "evt_4"}, "Stripe-Signature", "valid")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(reconcile.Unresolved))
}

func TestManualReconcile(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/payments/reconcile", wire.ReconcileRequest{
		SenderEmail: "a@b.com",
		TargetEmail: e.user.Email,
		SessionID:   "manual_1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "a@b.com", decode[wire.ReconcileResponse](t, w).SenderEmail)

	ok, err := e.store.IsWhitelisted(context.Background(), e.user.ID, "a@b.com")
	require.NoError(t, err)
	assert.True(t, ok)

	w = e.do(t, http.MethodPost, "/api/payments/reconcile", wire.ReconcileRequest{SessionID: "manual_2"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessEmails(t *testing.T) {
	e := newEnv(t)
	e.proc.summary = intake.Summary{Listed: 2, Counts: map[intake.Disposition]int{intake.DispositionFiltered: 1, intake.DispositionNoise: 1}}

	w := e.do(t, http.MethodPost, "/api/process-emails", wire.ProcessRequest{Email: "OWNER@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[wire.ProcessResponse](t, w)
	assert.Equal(t, 2, out.Listed)
	assert.Equal(t, 1, out.Counts["filtered"])

	got, err := e.store.GetUser(context.Background(), e.user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastEmailCheck)
	assert.WithinDuration(t, e.now, *got.LastEmailCheck, time.Millisecond)

	e.proc.err = intake.ErrBusy
	w = e.do(t, http.MethodPost, "/api/process-emails", wire.ProcessRequest{UserID: e.user.ID.String()})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/api/process-emails", wire.ProcessRequest{Email: "nobody@example.com"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/process-emails", wire.ProcessRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
