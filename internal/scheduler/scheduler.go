package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
)

const defaultJobTimeout = 2 * time.Minute

// Key identifies a reminder job: one (event, rule) pair.
type Key struct {
	EventID string
	RuleID  string
}

func (k Key) String() string { return k.EventID + "#" + k.RuleID }

// Entry describes a live job.
type Entry struct {
	Key         Key
	FireAt      time.Time
	ScheduledAt time.Time
}

// Outcome reports what Upsert did.
type Outcome int

const (
	Rejected Outcome = iota
	Scheduled
	Rescheduled
	Unchanged
	// Dropped means a live job was cancelled because its new fire instant
	// is no longer in the future.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Scheduled:
		return "scheduled"
	case Rescheduled:
		return "rescheduled"
	case Unchanged:
		return "unchanged"
	case Dropped:
		return "dropped"
	default:
		return "rejected"
	}
}

// Config controls a Scheduler. Zero values fall back to defaults.
type Config struct {
	// Clock supplies now and timers. Defaults to the real clock.
	Clock clock.Clock
	// JobTimeout bounds each fired callback's context.
	JobTimeout time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type job struct {
	entry  Entry
	fn     func(context.Context)
	timer  *clock.Timer
	cancel chan struct{}
}

// Scheduler runs one-shot callbacks at absolute instants and keeps a registry
// of live jobs keyed by Key. A key has at most one live job: it is inserted
// when scheduled and removed right before the callback runs or when the job
// is cancelled.
type Scheduler struct {
	clk        clock.Clock
	jobTimeout time.Duration
	metrics    *metrics.Metrics

	mu      sync.Mutex
	jobs    map[Key]*job
	stopped bool

	wg sync.WaitGroup
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return &Scheduler{
		clk:        cfg.Clock,
		jobTimeout: cfg.JobTimeout,
		metrics:    cfg.Metrics,
		jobs:       make(map[Key]*job),
	}
}

// Schedule registers fn to run once at at. It is a no-op returning false when
// key already has a live job, when at is not strictly in the future, or after
// Stop.
func (s *Scheduler) Schedule(key Key, at time.Time, fn func(context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[key]; ok {
		return false
	}
	if !s.addLocked(key, at, fn) {
		return false
	}
	s.metrics.Job("scheduled")
	return true
}

// Upsert schedules fn for key like Schedule, except that a live job with a
// different fire instant is replaced. A live job with the same instant is
// kept as is. A live job whose new instant is not in the future is cancelled
// and reported as Dropped, so it can never fire with stale data.
func (s *Scheduler) Upsert(key Key, at time.Time, fn func(context.Context)) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Rejected
	}
	existing, ok := s.jobs[key]
	if ok && existing.entry.FireAt.Equal(at) {
		return Unchanged
	}
	if ok {
		s.cancelLocked(existing)
		if !s.addLocked(key, at, fn) {
			s.metrics.Job("dropped")
			return Dropped
		}
		s.metrics.Job("rescheduled")
		return Rescheduled
	}
	if s.addLocked(key, at, fn) {
		s.metrics.Job("scheduled")
		return Scheduled
	}
	return Rejected
}

// Drop cancels the live job for key when its fire instant differs from at,
// the instant the reminder now belongs to and which has already passed. A
// job still due at at is left to fire.
func (s *Scheduler) Drop(key Key, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok || j.entry.FireAt.Equal(at) {
		return false
	}
	s.cancelLocked(j)
	s.metrics.Job("dropped")
	return true
}

func (s *Scheduler) addLocked(key Key, at time.Time, fn func(context.Context)) bool {
	if s.stopped {
		return false
	}
	now := s.clk.Now()
	if !at.After(now) {
		return false
	}

	j := &job{
		entry:  Entry{Key: key, FireAt: at, ScheduledAt: now},
		fn:     fn,
		timer:  s.clk.NewTimer(at.Sub(now)),
		cancel: make(chan struct{}),
	}
	s.jobs[key] = j
	s.metrics.SetLiveJobs(len(s.jobs))

	s.wg.Add(1)
	go s.wait(j)

	appLog.Debug("job scheduled", "key", key.String(), "fire_at", at.Format(time.RFC3339))
	return true
}

// wait blocks until j is due or cancelled. Timers measure elapsed time, so
// after each expiry the wall clock is checked again and the timer re-armed
// for whatever is left (e.g. after a host suspend or clock step).
func (s *Scheduler) wait(j *job) {
	defer s.wg.Done()

	for {
		select {
		case <-j.cancel:
			j.timer.Stop()
			return
		case <-j.timer.C:
		}
		remaining := j.entry.FireAt.Sub(s.clk.Now())
		if remaining <= 0 {
			break
		}
		j.timer.Reset(remaining)
	}

	s.mu.Lock()
	if s.jobs[j.entry.Key] != j {
		// Cancelled between expiry and here.
		s.mu.Unlock()
		return
	}
	delete(s.jobs, j.entry.Key)
	s.metrics.SetLiveJobs(len(s.jobs))
	s.mu.Unlock()

	s.fire(j)
}

func (s *Scheduler) fire(j *job) {
	key := j.entry.Key.String()
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("job panicked", fmt.Errorf("panic: %v", r), "key", key, "stack", string(debug.Stack()))
		}
	}()

	s.metrics.Job("fired")
	appLog.Info("job firing", "key", key, "fire_at", j.entry.FireAt.Format(time.RFC3339))

	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()
	j.fn(ctx)
}

// Cancel removes the live job for key, if any.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	s.cancelLocked(j)
	s.metrics.Job("cancelled")
	return true
}

func (s *Scheduler) cancelLocked(j *job) {
	delete(s.jobs, j.entry.Key)
	close(j.cancel)
	s.metrics.SetLiveJobs(len(s.jobs))
}

// Lookup returns the live job for key.
func (s *Scheduler) Lookup(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return Entry{}, false
	}
	return j.entry, true
}

// Len returns the number of live jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Pending returns all live jobs ordered by fire instant, then key.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.entry)
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].FireAt.Equal(out[b].FireAt) {
			return out[a].FireAt.Before(out[b].FireAt)
		}
		return out[a].Key.String() < out[b].Key.String()
	})
	return out
}

// Stop cancels every live job, rejects further scheduling, and waits for
// callbacks already running to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, j := range s.jobs {
		s.cancelLocked(j)
	}
	s.mu.Unlock()

	s.wg.Wait()
	appLog.Info("scheduler stopped")
}
