package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wire "github.com/stoik/guardian/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/composer"
	"github.com/stoik/guardian/services/guardian-service/internal/intake"
	"github.com/stoik/guardian/services/guardian-service/internal/mailbox/mailboxtest"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/payment"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
	"github.com/stoik/guardian/services/guardian-service/internal/store/storetest"
)

// stubProcessor fails, panics or succeeds per user address.
type stubProcessor struct {
	mu     sync.Mutex
	errs   map[string]error
	panics map[string]bool
	calls  map[string]int
}

func newStub() *stubProcessor {
	return &stubProcessor{
		errs:   make(map[string]error),
		panics: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (p *stubProcessor) ProcessNewEmails(ctx context.Context, user *models.User) (intake.Summary, error) {
	p.mu.Lock()
	p.calls[user.Email]++
	err, panics := p.errs[user.Email], p.panics[user.Email]
	p.mu.Unlock()

	if panics {
		panic("mailbox exploded")
	}
	return intake.Summary{Counts: map[intake.Disposition]int{intake.DispositionFiltered: 1}}, err
}

func (p *stubProcessor) Calls(email string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[email]
}

func quiet() *log.Logger { return log.New(io.Discard) }

func watermark(t *testing.T, s store.Store, u *models.User) *time.Time {
	t.Helper()
	got, err := s.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	return got.LastEmailCheck
}

func TestDue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		user models.User
		want bool
	}{
		{"never checked", models.User{AccessToken: "t", PollIntervalMinutes: 1}, true},
		{"no mailbox", models.User{PollIntervalMinutes: 1}, false},
		{"interval elapsed", models.User{AccessToken: "t", PollIntervalMinutes: 1, LastEmailCheck: at(2 * time.Minute)}, true},
		{"exactly elapsed", models.User{AccessToken: "t", PollIntervalMinutes: 1, LastEmailCheck: at(time.Minute)}, true},
		{"not yet", models.User{AccessToken: "t", PollIntervalMinutes: 1, LastEmailCheck: at(59 * time.Second)}, false},
		{"half minute", models.User{AccessToken: "t", PollIntervalMinutes: 0.5, LastEmailCheck: at(30 * time.Second)}, true},
		{"below minimum clamps", models.User{AccessToken: "t", PollIntervalMinutes: 0.1, LastEmailCheck: at(10 * time.Second)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Due(&tt.user, now))
		})
	}
}

func TestNewValidatesTick(t *testing.T) {
	s := storetest.New(t)

	sch, err := New(s, newStub(), Options{Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, DefaultTick, sch.tick)

	_, err = New(s, newStub(), Options{Tick: time.Minute, Logger: quiet()})
	assert.Error(t, err)
}

func TestTickIsolatesUserFailures(t *testing.T) {
	s := storetest.New(t)
	now := time.Now().UTC()
	panicking := storetest.User(t, s, "panics@example.com")
	failing := storetest.User(t, s, "fails@example.com")
	healthy := storetest.User(t, s, "ok@example.com")

	proc := newStub()
	proc.panics[panicking.Email] = true
	proc.errs[failing.Email] = errors.New("gateway unavailable")

	sch, err := New(s, proc, Options{Concurrency: 1, Logger: quiet(), Now: func() time.Time { return now }})
	require.NoError(t, err)

	report := sch.Tick(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, 3, report.Users)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 2, report.Failed)

	got := watermark(t, s, healthy)
	require.NotNil(t, got)
	assert.WithinDuration(t, now, *got, time.Millisecond)
	assert.Nil(t, watermark(t, s, panicking))
	assert.Nil(t, watermark(t, s, failing))
}

func TestTickSkipsUsersNotDue(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recent := storetest.User(t, s, "recent@example.com")
	require.NoError(t, s.UpdateUserLastEmailCheck(ctx, recent.ID, now.Add(-10*time.Second)))
	noMailbox := &models.User{Email: "nomail@example.com"}
	require.NoError(t, s.CreateUser(ctx, noMailbox))

	proc := newStub()
	sch, err := New(s, proc, Options{Logger: quiet(), Now: func() time.Time { return now }})
	require.NoError(t, err)

	report := sch.Tick(ctx)
	assert.Equal(t, 2, report.Users)
	assert.Zero(t, report.Due)
	assert.Zero(t, proc.Calls(recent.Email))
	assert.Zero(t, proc.Calls(noMailbox.Email))
}

func TestBusyUserKeepsWatermark(t *testing.T) {
	s := storetest.New(t)
	u := storetest.User(t, s, "busy@example.com")
	proc := newStub()
	proc.errs[u.Email] = intake.ErrBusy

	sch, err := New(s, proc, Options{Logger: quiet()})
	require.NoError(t, err)

	report := sch.Tick(context.Background())
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Nil(t, watermark(t, s, u))
}

type linkGateway struct{}

func (linkGateway) CreatePaymentLink(ctx context.Context, req payment.LinkRequest) (*payment.Link, error) {
	return &payment.Link{ID: "plink_1", URL: "https://pay.example/plink_1"}, nil
}

func TestTickFiltersUnknownSender(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u := storetest.User(t, s, "owner@example.com")
	require.NoError(t, s.UpdateUserLastEmailCheck(ctx, u.ID, now.Add(-2*time.Minute)))

	conn := mailboxtest.NewConnector()
	box := conn.Box(u.Email)
	id := box.Deliver(wire.MailMessage{From: "x@y.com", Subject: "Quick question", ReceivedAt: now.Add(-30 * time.Second)})

	comp := composer.New(s, linkGateway{}, nil, 100, quiet())
	proc := intake.NewProcessor(s, conn, comp, nil, intake.Options{Logger: quiet()})
	sch, err := New(s, proc, Options{Logger: quiet(), Now: func() time.Time { return now }})
	require.NoError(t, err)

	report := sch.Tick(ctx)
	require.Equal(t, 1, report.Processed)

	p, err := s.GetPendingEmailByMessageID(ctx, u.ID, id)
	require.NoError(t, err)
	assert.Equal(t, "x@y.com", p.Sender)
	assert.Equal(t, "Quick question", p.Subject)
	assert.Equal(t, models.StatusDonationSent, p.Status)

	sent := box.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Re: Quick question - Email Access Request", sent[0].Subject)

	got := watermark(t, s, u)
	require.NotNil(t, got)
	assert.WithinDuration(t, now, *got, time.Millisecond)
}

func TestFailedRequestIsRetriedOnNextTick(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	u := storetest.User(t, s, "owner@example.com")
	require.NoError(t, s.UpdateUserLastEmailCheck(ctx, u.ID, now.Add(-2*time.Minute)))

	conn := mailboxtest.NewConnector()
	box := conn.Box(u.Email)
	id := box.Deliver(wire.MailMessage{From: "x@y.com", Subject: "Quick question", ReceivedAt: now.Add(-30 * time.Second)})
	box.Fail(mailboxtest.OpSend, errors.New("backend unavailable"))

	comp := composer.New(s, linkGateway{}, nil, 100, quiet())
	proc := intake.NewProcessor(s, conn, comp, nil, intake.Options{Logger: quiet(), Now: clock})
	sch, err := New(s, proc, Options{Logger: quiet(), Now: clock})
	require.NoError(t, err)

	report := sch.Tick(ctx)
	require.Equal(t, 1, report.Processed)
	assert.True(t, box.InInbox(id))
	assert.Empty(t, box.Sent())

	// The watermark is now past the message.
	box.Fail(mailboxtest.OpSend, nil)
	now = now.Add(2 * time.Minute)

	report = sch.Tick(ctx)
	require.Equal(t, 1, report.Processed)

	p, err := s.GetPendingEmailByMessageID(ctx, u.ID, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDonationSent, p.Status)
	assert.False(t, box.InInbox(id))
	require.Len(t, box.Sent(), 1)
	assert.Equal(t, "x@y.com", box.Sent()[0].To)

	// Nothing left to resume.
	now = now.Add(2 * time.Minute)
	sch.Tick(ctx)
	assert.Len(t, box.Sent(), 1)
}

func TestStartStop(t *testing.T) {
	s := storetest.New(t)
	u := storetest.User(t, s, "owner@example.com")
	proc := newStub()

	sch, err := New(s, proc, Options{Tick: 10 * time.Millisecond, Logger: quiet()})
	require.NoError(t, err)

	require.NoError(t, sch.Start(context.Background()))
	assert.ErrorIs(t, sch.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return proc.Calls(u.Email) >= 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, sch.Stop(time.Second))
	assert.True(t, sch.Stop(time.Second))

	require.NoError(t, sch.Start(context.Background()))
	assert.True(t, sch.Stop(time.Second))
}

// blockingProcessor holds every run until release is closed.
type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProcessor) ProcessNewEmails(ctx context.Context, user *models.User) (intake.Summary, error) {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return intake.Summary{}, nil
}

func TestRestartAfterStopTimeout(t *testing.T) {
	s := storetest.New(t)
	storetest.User(t, s, "owner@example.com")
	proc := &blockingProcessor{started: make(chan struct{}), release: make(chan struct{})}

	sch, err := New(s, proc, Options{Tick: 10 * time.Millisecond, Logger: quiet()})
	require.NoError(t, err)
	require.NoError(t, sch.Start(context.Background()))

	<-proc.started
	assert.False(t, sch.Stop(10*time.Millisecond))
	assert.ErrorIs(t, sch.Start(context.Background()), ErrAlreadyRunning)

	close(proc.release)
	require.Eventually(t, func() bool {
		return sch.Start(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sch.Stop(time.Second))
}
