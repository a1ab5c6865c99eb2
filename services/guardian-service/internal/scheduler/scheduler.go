package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/stoik/guardian/services/guardian-service/internal/config"
	"github.com/stoik/guardian/services/guardian-service/internal/intake"
	"github.com/stoik/guardian/services/guardian-service/internal/models"
	"github.com/stoik/guardian/services/guardian-service/internal/store"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultTick        = config.MaxTick
	DefaultConcurrency = 4
	metricsInterval    = time.Minute
)

// Processor processes the new mail of one user.
type Processor interface {
	ProcessNewEmails(ctx context.Context, user *models.User) (intake.Summary, error)
}

// Options tune a Scheduler.
type Options struct {
	Tick        time.Duration
	Concurrency int
	Logger      *log.Logger
	Now         func() time.Time
}

// Scheduler polls every due user's mailbox on a fixed tick.
type Scheduler struct {
	store       store.Store
	processor   Processor
	tick        time.Duration
	concurrency int
	logger      *log.Logger
	now         func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	// processingWg tracks in-flight ticks.
	processingWg sync.WaitGroup

	// Metrics
	ticks         atomic.Int64
	usersPolled   atomic.Int64
	userFailures  atomic.Int64
	filteredTotal atomic.Int64
	filteredUser  sync.Map // uuid.UUID -> *atomic.Int64
	userEmails    sync.Map // uuid.UUID -> string
}

// New creates a Scheduler. A zero tick selects DefaultTick; ticks above
// config.MaxTick could skip the shortest poll intervals and are rejected.
func New(st store.Store, processor Processor, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		store:       st,
		processor:   processor,
		tick:        opts.Tick,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if s.tick == 0 {
		s.tick = DefaultTick
	}
	if s.tick < 0 || s.tick > config.MaxTick {
		return nil, fmt.Errorf("tick must be in (0, %s], got %s", config.MaxTick, s.tick)
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// TickReport summarises one tick.
type TickReport struct {
	Started   time.Time
	Users     int
	Due       int
	Processed int
	// Skipped counts due users whose mailbox was still being processed.
	Skipped int
	Failed  int
	Err     error
}

// Due reports whether user should be polled at now.
func Due(user *models.User, now time.Time) bool {
	if !user.HasMailbox() {
		return false
	}
	if user.LastEmailCheck == nil || user.LastEmailCheck.IsZero() {
		return true
	}
	return now.Sub(*user.LastEmailCheck) >= user.PollInterval()
}

// Start runs a first tick immediately and then one per interval until Stop
// or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("Starting scheduler", "tick", s.tick, "concurrency", s.concurrency)
	go s.loop(ctx)
	go s.logPerformanceMetrics(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.runTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.processingWg.Add(1)
	defer s.processingWg.Done()
	r := s.Tick(ctx)
	if r.Err != nil {
		s.logger.Error("Tick failed", "error", r.Err)
	}
}

// Stop cancels the loop and waits up to timeout for the in-flight tick.
// It returns false when the timeout was reached; the scheduler can be
// started again once that tick has finished.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	if !s.running.Load() {
		return true
	}
	s.logger.Info("Stopping scheduler, waiting for processing to complete", "timeout", timeout)
	s.cancel()

	// running is cleared only once the loop has exited, even when this
	// call gives up waiting.
	loopDone := s.done
	done := make(chan struct{})
	go func() {
		<-loopDone
		s.processingWg.Wait()
		s.running.Store(false)
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return true
	case <-time.After(timeout):
		s.logger.Warn("Shutdown timeout reached, some processing may still be in progress", "timeout", timeout)
		return false
	}
}

// Tick polls every due user once. Per-user errors and panics are logged
// and counted; they never abort the tick. A user whose run failed keeps
// its watermark so the next tick retries the same window.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	report := TickReport{Started: s.now().UTC()}
	s.ticks.Inc()

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		report.Err = fmt.Errorf("failed to list users: %w", err)
		return report
	}
	report.Users = len(users)

	var processed, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i := range users {
		user := users[i]
		if !Due(&user, report.Started) {
			continue
		}
		report.Due++
		g.Go(func() error {
			switch err := s.pollUser(ctx, &user, report.Started); {
			case errors.Is(err, intake.ErrBusy):
				skipped.Inc()
			case err != nil:
				failed.Inc()
				s.userFailures.Inc()
				s.logger.Error("Failed to process user", "user", user.Email, "error", err)
			default:
				processed.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Processed = int(processed.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = int(failed.Load())
	if report.Due > 0 {
		s.logger.Debug("Tick complete",
			"users", report.Users, "due", report.Due, "processed", report.Processed,
			"skipped", report.Skipped, "failed", report.Failed)
	}
	return report
}

// pollUser runs one user and advances the watermark to started on success.
func (s *Scheduler) pollUser(ctx context.Context, user *models.User, started time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("Recovered from panic", "user", user.Email, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	summary, err := s.processor.ProcessNewEmails(ctx, user)
	if err != nil {
		return err
	}
	s.usersPolled.Inc()
	s.record(user, int64(summary.Counts[intake.DispositionFiltered]))

	if err := s.store.UpdateUserLastEmailCheck(ctx, user.ID, started); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

func (s *Scheduler) record(user *models.User, filtered int64) {
	s.userEmails.Store(user.ID, user.Email)
	if filtered == 0 {
		return
	}
	v, _ := s.filteredUser.LoadOrStore(user.ID, atomic.NewInt64(0))
	v.(*atomic.Int64).Add(filtered)
	s.filteredTotal.Add(filtered)
}

// logPerformanceMetrics logs aggregated counters until ctx is done.
func (s *Scheduler) logPerformanceMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logMetrics()
		}
	}
}

type userStat struct {
	userID   uuid.UUID
	email    string
	filtered int64
}

func (s *Scheduler) logMetrics() {
	var stats []userStat
	s.filteredUser.Range(func(key, value any) bool {
		id := key.(uuid.UUID)
		email, _ := s.userEmails.Load(id)
		e, _ := email.(string)
		stats = append(stats, userStat{userID: id, email: e, filtered: value.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].filtered > stats[j].filtered })

	s.logger.Info("Scheduler metrics",
		"ticks", s.ticks.Load(), "polls", s.usersPolled.Load(),
		"failures", s.userFailures.Load(), "filtered", s.filteredTotal.Load())
	for i, st := range stats {
		if i == 5 {
			break
		}
		s.logger.Debug("Filtered per user", "user", st.email, "id", st.userID, "filtered", st.filtered)
	}
}
