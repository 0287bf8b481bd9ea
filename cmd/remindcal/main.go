package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"remindcal/internal/config"
	"remindcal/internal/dispatch"
	"remindcal/internal/ics"
	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
	"remindcal/internal/poller"
	"remindcal/internal/reminder"
	"remindcal/internal/scheduler"
	"remindcal/internal/web"
)

const version = "0.3.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	check      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Configure(os.Stderr, appLog.ParseLevel(conf.LogLevel), conf.LogJSON)
	appLog.Info("remindcal starting", "version", version)

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	app, err := build(conf)
	if err != nil {
		appLog.Error("failed to initialize", err)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"max_events", conf.MaxEvents,
		"ics_count", len(conf.ICS),
		"rules", len(app.rules),
		"once", flags.once,
	)

	if flags.check {
		for _, r := range app.rules {
			fmt.Printf("%-24s %-10s %-14s template=%s\n", r.ID(), r.Channel, r.Offset.Raw, r.Template)
		}
		return
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		code := runOnce(ctx, app)
		stop()
		os.Exit(code)
	}

	if err := run(ctx, conf, app); err != nil {
		appLog.Error("remindcal stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("remindcal exiting")
}

// application is the wired object graph.
type application struct {
	rules   []reminder.Rule
	metrics *metrics.Metrics
	sched   *scheduler.Scheduler
	poller  *poller.Controller
}

func build(conf *config.Config) (*application, error) {
	loc, err := conf.Location()
	if err != nil {
		return nil, err
	}
	rules, err := conf.Rules()
	if err != nil {
		return nil, err
	}

	renderer := dispatch.NewTemplateRenderer(conf.TemplatesDir)
	for id, body := range conf.Templates {
		if err := renderer.Add(id, body); err != nil {
			return nil, err
		}
	}

	m := metrics.New()

	rc := dispatch.RouterConfig{
		Renderer:        renderer,
		Location:        loc,
		TimeFormat:      conf.TimeFormat,
		DateFormat:      conf.DateFormat,
		ShoutoutType:    conf.Shoutout.Type,
		Visibility:      conf.Shoutout.Visibility,
		DeliveryTimeout: conf.Timeouts.Delivery,
		RatePerSec:      conf.RatePerSec,
		Metrics:         m,
	}
	if conf.Slack.Token != "" {
		rc.Chat = dispatch.NewSlackSender(conf.Slack.Token, conf.Slack.Channel)
	}
	if conf.Shoutout.URL != "" {
		rc.Shoutout = dispatch.NewFeedSender(conf.Shoutout.URL, conf.Shoutout.Token)
	}
	router := dispatch.NewRouter(rc)

	sources := make([]ics.Source, 0, len(conf.ICS))
	for _, s := range conf.ICS {
		sources = append(sources, ics.Source{ID: s.SourceID(), URL: s.URL})
	}
	calendar := ics.NewCalendar(ics.NewFetcher(conf.CacheDir, conf.Timeouts.Fetch), ics.CalendarConfig{
		Sources:  sources,
		Location: loc,
		Horizon:  conf.Horizon(),
	})

	sched := scheduler.New(scheduler.Config{
		JobTimeout: conf.Timeouts.Job,
		Metrics:    m,
	})

	ctl := poller.New(calendar, sched, router, poller.Config{
		Rules:        rules,
		MaxEvents:    conf.MaxEvents,
		FetchTimeout: conf.Timeouts.Fetch,
		Schedule:     conf.RefreshCron,
		Location:     loc,
		Metrics:      m,
	})

	return &application{rules: rules, metrics: m, sched: sched, poller: ctl}, nil
}

// runOnce performs a single poll, prints the planned jobs and exits without
// waiting for any of them to fire.
func runOnce(ctx context.Context, app *application) int {
	defer app.sched.Stop()

	res := app.poller.RunCycle(ctx)
	for _, e := range app.sched.Pending() {
		fmt.Printf("%s  %s\n", e.FireAt.Format(time.RFC3339), e.Key)
	}
	if res.FetchErr != nil {
		return 1
	}
	return 0
}

func run(ctx context.Context, conf *config.Config, app *application) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.poller.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		app.poller.Stop()
		app.sched.Stop()
		return nil
	})

	if conf.Listen != "" {
		srv := web.NewServer(conf, app.sched, app.poller, app.metrics)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		appLog.Info("signal received, shutting down")
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/remindcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one poll cycle, print the planned reminders and exit")
	flag.BoolVar(&cfg.check, "check", false, "Validate config, print the rules and exit")

	flag.Parse()

	return cfg
}
