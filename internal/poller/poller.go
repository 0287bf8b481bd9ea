package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/robfig/cron/v3"

	"remindcal/internal/config"
	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
	"remindcal/internal/model"
	"remindcal/internal/reminder"
	"remindcal/internal/scheduler"
)

const defaultFetchTimeout = 30 * time.Second

// EventSource lists upcoming events, ascending by start, starting at or
// after now.
type EventSource interface {
	ListUpcoming(ctx context.Context, maxCount int) ([]model.Event, error)
}

// Dispatcher delivers one reminder. It is expected to log its own failures.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.Event, rule reminder.Rule) error
}

// Config configures a Controller.
type Config struct {
	Rules        []reminder.Rule
	MaxEvents    int
	FetchTimeout time.Duration

	// Schedule is the cron expression for recurring polls.
	Schedule string
	Location *time.Location

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// CycleResult summarizes one poll cycle. Dropped counts live jobs cancelled
// because their event moved and the reminder is no longer in the future.
// Rejected counts planned reminders the scheduler refused, e.g. because the
// instant passed during the cycle or the scheduler is stopping.
type CycleResult struct {
	Events      int   `json:"events"`
	Scheduled   int   `json:"scheduled"`
	Rescheduled int   `json:"rescheduled"`
	Unchanged   int   `json:"unchanged"`
	Dropped     int   `json:"dropped"`
	Rejected    int   `json:"rejected"`
	FetchErr    error `json:"-"`
}

// Controller runs poll cycles: fetch events, plan reminders, and hand them
// to the scheduler. Cycles never overlap.
type Controller struct {
	source     EventSource
	sched      *scheduler.Scheduler
	dispatcher Dispatcher
	cfg        Config

	// cycleMu serializes cycles from cron, startup and manual refresh.
	cycleMu sync.Mutex

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Controller.
func New(source EventSource, sched *scheduler.Scheduler, dispatcher Dispatcher, cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &Controller{
		source:     source,
		sched:      sched,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// RunCycle performs one poll cycle. A fetch failure is logged and treated
// as zero events; it is reported in the result, never returned.
//
// Jobs already live for a key are kept when the fire instant is unchanged
// and replaced when the event moved. When an event moved so that a rule's
// reminder is already past, that rule's live job is dropped. Jobs whose event
// is missing from this poll are left alone: a capped fetch cannot prove the
// event was deleted.
func (c *Controller) RunCycle(ctx context.Context) CycleResult {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	var res CycleResult
	now := c.cfg.Clock.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	events, err := c.source.ListUpcoming(fetchCtx, c.cfg.MaxEvents)
	cancel()
	if err != nil {
		appLog.Error("poll: event fetch failed; continuing with no events", err)
		res.FetchErr = err
		events = nil
	}
	res.Events = len(events)

	for _, ev := range events {
		planned := make(map[string]bool, len(c.cfg.Rules))
		for r := range reminder.BuildPlan(ev, c.cfg.Rules, now) {
			planned[r.Rule.ID()] = true
			key := scheduler.Key{EventID: ev.ID, RuleID: r.Rule.ID()}
			switch c.sched.Upsert(key, r.FireAt, c.job(r)) {
			case scheduler.Scheduled:
				res.Scheduled++
				appLog.Info("reminder scheduled",
					"event_id", ev.ID,
					"title", ev.Title,
					"rule", r.Rule.ID(),
					"offset", r.Rule.Offset.Raw,
					"fire_at", r.FireAt.In(c.cfg.Location).Format(time.RFC3339),
				)
			case scheduler.Rescheduled:
				res.Rescheduled++
				appLog.Info("reminder rescheduled; event moved",
					"event_id", ev.ID,
					"rule", r.Rule.ID(),
					"fire_at", r.FireAt.In(c.cfg.Location).Format(time.RFC3339),
				)
			case scheduler.Unchanged:
				res.Unchanged++
			case scheduler.Dropped:
				res.Dropped++
				c.logDropped(ev, r.Rule)
			case scheduler.Rejected:
				res.Rejected++
				appLog.Debug("reminder rejected by scheduler",
					"event_id", ev.ID,
					"rule", r.Rule.ID(),
					"fire_at", r.FireAt.In(c.cfg.Location).Format(time.RFC3339),
				)
			}
		}

		for _, rule := range c.cfg.Rules {
			if planned[rule.ID()] {
				continue
			}
			if c.sched.Drop(scheduler.Key{EventID: ev.ID, RuleID: rule.ID()}, rule.FireTime(ev.Start)) {
				res.Dropped++
				c.logDropped(ev, rule)
			}
		}
	}

	c.cfg.Metrics.CycleDone(res.FetchErr != nil)
	appLog.Info("poll cycle done",
		"events", res.Events,
		"scheduled", res.Scheduled,
		"rescheduled", res.Rescheduled,
		"unchanged", res.Unchanged,
		"dropped", res.Dropped,
		"rejected", res.Rejected,
		"live_jobs", c.sched.Len(),
	)
	return res
}

func (c *Controller) logDropped(ev model.Event, rule reminder.Rule) {
	appLog.Info("reminder dropped; event moved and reminder is past due",
		"event_id", ev.ID,
		"title", ev.Title,
		"rule", rule.ID(),
		"start", ev.Start.In(c.cfg.Location).Format(time.RFC3339),
	)
}

// job binds a reminder snapshot to the dispatcher.
func (c *Controller) job(r reminder.Reminder) func(context.Context) {
	return func(ctx context.Context) {
		// Errors are logged by the dispatcher with full context.
		_ = c.dispatcher.Dispatch(ctx, r.Event, r.Rule)
	}
}

// Start runs one cycle immediately, then polls on the configured cron
// schedule until Stop or ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cron != nil {
		c.mu.Unlock()
		return errors.New("poller already started")
	}

	logger := cronLogger{}
	cr := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(c.cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := cr.AddFunc(c.cfg.Schedule, func() { c.RunCycle(ctx) }); err != nil {
		c.mu.Unlock()
		return err
	}
	c.cron = cr
	c.mu.Unlock()

	appLog.Info("poller starting", "schedule", c.cfg.Schedule, "tz", c.cfg.Location.String())
	c.RunCycle(ctx)
	cr.Start()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Stop halts recurring polls and waits for a running cycle to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.mu.Unlock()
	if cr == nil {
		return
	}
	<-cr.Stop().Done()
}

// cronLogger routes robfig/cron's logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
