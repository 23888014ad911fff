// Package jobs runs repairers as named tasks. A task runs one batch at a time;
// when the batch returns a cursor the task is queued again right away, and
// when it fails it is retried with exponential backoff until its attempts run
// out. A cache.Locker keeps one task name from running in two places at once.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/fulfillment/internal/cache"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/repair"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 2 * time.Second
	defaultLockTTL     = 10 * time.Minute
	idleWait           = time.Minute
)

var (
	ErrUnknownTask = errors.New("jobs: unknown task")
	ErrLockHeld    = errors.New("jobs: task lock held elsewhere")
)

type Options struct {
	Locker      cache.Locker
	Logger      *slog.Logger
	Clock       func() time.Time
	MaxAttempts int
	BackoffBase time.Duration
	LockTTL     time.Duration
}

// Status is the externally visible state of one task.
type Status struct {
	Name      string         `json:"name"`
	Queued    bool           `json:"queued"`
	Running   bool           `json:"running"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	Cursor    *repair.Cursor `json:"cursor,omitempty"`
	Attempts  int            `json:"attempts"`
	Batches   int64          `json:"batches"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Every     string         `json:"every,omitempty"`
}

type entry struct {
	name    string
	cursor  repair.Cursor
	due     time.Time
	attempt int
}

type task struct {
	repairer repair.Repairer
	every    time.Duration

	queued    *entry
	running   bool
	batches   int64
	lastRun   time.Time
	lastError string
}

type Scheduler struct {
	locker      cache.Locker
	logger      *slog.Logger
	clock       func() time.Time
	maxAttempts int
	backoffBase time.Duration
	lockTTL     time.Duration

	mu    sync.Mutex
	tasks map[string]*task
	wake  chan struct{}
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Locker == nil {
		return nil, errors.New("jobs: locker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Scheduler{
		locker:      opts.Locker,
		logger:      logger.With("component", "jobs"),
		clock:       clock,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		lockTTL:     lockTTL,
		tasks:       map[string]*task{},
		wake:        make(chan struct{}, 1),
	}, nil
}

// Register adds a repairer under its name. every > 0 restarts the task from
// an empty cursor that long after it catches up.
func (s *Scheduler) Register(r repair.Repairer, every time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[r.Name()]; exists {
		return fmt.Errorf("jobs: task %s already registered", r.Name())
	}
	s.tasks[r.Name()] = &task{repairer: r, every: every}
	return nil
}

// Enqueue queues a run of name from cursor after delay. A task has at most one
// queued run; enqueueing while one is queued keeps the earlier of the two and
// reports false.
func (s *Scheduler) Enqueue(name string, cursor repair.Cursor, delay time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	due := s.clock().Add(delay)
	if t.queued != nil {
		if due.Before(t.queued.due) {
			t.queued.due = due
			s.notify()
		}
		return false, nil
	}
	t.queued = &entry{name: name, cursor: cursor, due: due}
	s.notify()
	return true, nil
}

func (s *Scheduler) requeue(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[e.name]
	if t.queued == nil || e.due.Before(t.queued.due) {
		t.queued = &e
	}
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeDue removes and returns entries due at now, skipping tasks that are
// running. It also reports how long until the next queued entry.
func (s *Scheduler) takeDue(now time.Time, ignoreDelay bool) ([]entry, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []entry
	wait := idleWait
	pending := false
	for _, t := range s.tasks {
		if t.queued == nil {
			continue
		}
		pending = true
		if t.running {
			continue
		}
		if ignoreDelay || !t.queued.due.After(now) {
			due = append(due, *t.queued)
			t.queued = nil
			t.running = true
			continue
		}
		wait = min(wait, t.queued.due.Sub(now))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].name < due[j].name })
	return due, wait, pending
}

// Run executes queued tasks until ctx is done. Tasks run concurrently with
// each other but never with themselves.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
	s.mu.Unlock()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		due, wait, _ := s.takeDue(s.clock(), false)
		for _, e := range due {
			wg.Add(1)
			go func(e entry) {
				defer wg.Done()
				s.execute(ctx, e, true)
			}(e)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Drain runs queued work in the calling goroutine until nothing is queued,
// ignoring delays and periodic restarts. It backs one-shot repair runs and
// tests.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		due, _, pending := s.takeDue(s.clock(), true)
		if !pending {
			return nil
		}
		for _, e := range due {
			s.execute(ctx, e, false)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, e entry, periodic bool) {
	s.mu.Lock()
	t := s.tasks[e.name]
	s.mu.Unlock()

	ctx, logger := logging.With(ctx, s.logger, "task", e.name, "attempt", e.attempt+1)
	meter := observability.MeterFromContext(ctx)

	start := time.Now()
	next, err := s.runLocked(ctx, t.repairer, e.cursor)
	observability.ObserveDuration(ctx, "jobs.batch.duration", start, attribute.String("task", e.name))

	s.mu.Lock()
	t.running = false
	t.lastRun = s.clock()
	if err == nil {
		t.batches++
		t.lastError = ""
	} else {
		t.lastError = err.Error()
	}
	every := t.every
	s.mu.Unlock()

	switch {
	case err != nil && e.attempt+1 < s.maxAttempts:
		delay := s.backoff(e.attempt)
		logger.Warn("task batch failed, retrying", "error", err, "retry_in", delay)
		meter.Count("jobs.batch.retried", 1, sentry.WithAttributes(attribute.String("task", e.name)))
		s.requeue(entry{name: e.name, cursor: e.cursor, due: s.clock().Add(delay), attempt: e.attempt + 1})
	case err != nil:
		logger.Error("task batch failed, giving up", "error", err)
		meter.Count("jobs.batch.abandoned", 1, sentry.WithAttributes(attribute.String("task", e.name)))
		if periodic && every > 0 {
			s.requeue(entry{name: e.name, due: s.clock().Add(every)})
		}
	case next != nil:
		s.requeue(entry{name: e.name, cursor: *next, due: s.clock()})
	default:
		logger.Debug("task caught up")
		if periodic && every > 0 {
			s.requeue(entry{name: e.name, due: s.clock().Add(every)})
		}
	}
}

func (s *Scheduler) runLocked(ctx context.Context, r repair.Repairer, cursor repair.Cursor) (*repair.Cursor, error) {
	key := cache.TaskKey(r.Name())
	token, ok, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			logging.FromContext(ctx, s.logger).Warn("failed to release task lock", "error", err)
		}
	}()
	return r.RunBatch(ctx, cursor)
}

// backoff is base * 2^attempt.
func (s *Scheduler) backoff(attempt int) time.Duration {
	return s.backoffBase << min(attempt, 16)
}

// Status lists every registered task by name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.tasks))
	for name, t := range s.tasks {
		st := Status{
			Name:      name,
			Queued:    t.queued != nil,
			Running:   t.running,
			Batches:   t.batches,
			LastError: t.lastError,
		}
		if t.every > 0 {
			st.Every = t.every.String()
		}
		if t.queued != nil {
			due := t.queued.due
			cursor := t.queued.cursor
			st.NextRun = &due
			st.Cursor = &cursor
			st.Attempts = t.queued.attempt
		}
		if !t.lastRun.IsZero() {
			last := t.lastRun
			st.LastRun = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
