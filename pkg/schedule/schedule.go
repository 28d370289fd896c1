// Package schedule drives jobs from interval and calendar triggers.
//
// Every job sits behind a Trigger, a single-flight guard: a trigger that
// fires while the previous invocation is still running is dropped, not
// queued. The next regular tick picks up whatever was missed, because
// every job recomputes its work from persisted state.
//
// Jobs run on a context detached from the one passed to Start. Cancelling
// Start's context does not interrupt a running job; Stop prevents new
// invocations and waits for the running ones to finish.
package schedule

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/daviddao/stationbot/pkg/metrics"
)

// JobFunc is one invocation of a scheduled job.
type JobFunc func(ctx context.Context) error

// Trigger is a named job behind a single-flight guard.
type Trigger struct {
	Name    string
	Job     JobFunc
	Logger  *log.Logger
	Metrics *metrics.Metrics

	running atomic.Bool
	runs    atomic.Int64
	skips   atomic.Int64
}

func (t *Trigger) logger() *log.Logger {
	if t.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return t.Logger
}

// Fire runs the job synchronously unless it is already running. It
// reports whether the job ran.
func (t *Trigger) Fire(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		t.skips.Add(1)
		t.Metrics.TriggerSkipped(t.Name)
		t.logger().Printf("%s: previous run still in flight, skipping", t.Name)
		return false
	}
	defer t.running.Store(false)

	t.runs.Add(1)
	if err := t.Job(ctx); err != nil {
		t.logger().Printf("%s: %v", t.Name, err)
	}
	return true
}

// Running reports whether an invocation is in flight.
func (t *Trigger) Running() bool { return t.running.Load() }

// Runs returns how many invocations have started.
func (t *Trigger) Runs() int64 { return t.runs.Load() }

// Skips returns how many firings were dropped.
func (t *Trigger) Skips() int64 { return t.skips.Load() }

// Scheduler owns the cron loop and the one-shot startup timers.
type Scheduler struct {
	cron    *cron.Cron
	logger  *log.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	base     context.Context
	started  bool
	stopped  bool
	initial  []delayed
	timers   []*time.Timer
	inflight sync.WaitGroup
}

type delayed struct {
	t     *Trigger
	delay time.Duration
}

// New returns a scheduler evaluating calendar specs in loc.
func New(loc *time.Location, logger *log.Logger, m *metrics.Metrics) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cl := cron.PrintfLogger(logger)
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		logger:  logger,
		metrics: m,
		base:    context.Background(),
	}
}

func (s *Scheduler) trigger(name string, job JobFunc) *Trigger {
	return &Trigger{Name: name, Job: job, Logger: s.logger, Metrics: s.metrics}
}

// Every runs job every interval, and once after initialDelay when that is
// positive. The returned trigger can be passed to Nudge.
func (s *Scheduler) Every(name string, every, initialDelay time.Duration, job JobFunc) (*Trigger, error) {
	if every <= 0 {
		return nil, fmt.Errorf("%s: interval must be positive, got %v", name, every)
	}
	t := s.trigger(name, job)
	s.cron.Schedule(cron.Every(every), cron.FuncJob(func() { s.run(t) }))
	if initialDelay > 0 {
		s.mu.Lock()
		s.initial = append(s.initial, delayed{t: t, delay: initialDelay})
		s.mu.Unlock()
	}
	s.logger.Printf("%s: every %v (first run after %v)", name, every, initialDelay)
	return t, nil
}

// Daily runs job on a standard five-field cron spec, e.g. "45 23 * * *".
func (s *Scheduler) Daily(name, spec string, job JobFunc) (*Trigger, error) {
	t := s.trigger(name, job)
	if _, err := s.cron.AddFunc(spec, func() { s.run(t) }); err != nil {
		return nil, fmt.Errorf("%s: cron spec %q: %w", name, spec, err)
	}
	s.logger.Printf("%s: scheduled %q (%s)", name, spec, s.cron.Location())
	return t, nil
}

// Nudge fires t in the background outside its regular schedule.
func (s *Scheduler) Nudge(t *Trigger) {
	if !s.track() {
		return
	}
	go func() {
		defer s.inflight.Done()
		t.Fire(s.jobContext())
	}()
}

func (s *Scheduler) run(t *Trigger) {
	if !s.track() {
		return
	}
	defer s.inflight.Done()
	t.Fire(s.jobContext())
}

// track registers one invocation unless the scheduler is stopping.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Start begins firing triggers. Jobs inherit ctx's values but not its
// cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.base = context.WithoutCancel(ctx)
	for _, d := range s.initial {
		t := d.t
		s.timers = append(s.timers, time.AfterFunc(d.delay, func() { s.run(t) }))
	}
	s.cron.Start()
}

// Stop prevents new invocations and blocks until running jobs return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, tm := range s.timers {
		tm.Stop()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.inflight.Wait()
}
