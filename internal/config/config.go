package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"remindcal/internal/reminder"
)

// NOTE: This file provides the configuration model and YAML load/save,
// including first-run config creation with 0600 permissions. Validate is the
// fail-fast gate run before anything is started.

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// NotificationConfig is one reminder rule.
type NotificationConfig struct {
	// Name identifies the rule in job keys and logs. Optional.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Offset is how long before the event the reminder fires, e.g. "1 day".
	Offset string `yaml:"offset" json:"offset"`
	// Type is the delivery channel: "chat" or "shoutout".
	Type string `yaml:"type" json:"type"`
	// Template is the message template id.
	Template string `yaml:"template" json:"template"`
	// ShoutoutType / Visibility override the shoutout defaults.
	ShoutoutType string `yaml:"shoutout_type,omitempty" json:"shoutout_type,omitempty"`
	Visibility   string `yaml:"visibility,omitempty" json:"visibility,omitempty"`
}

// SlackConfig configures the chat channel.
type SlackConfig struct {
	Token   string `yaml:"token" json:"-"`
	Channel string `yaml:"channel" json:"channel"`
}

// ShoutoutConfig configures the shout-out feed channel.
type ShoutoutConfig struct {
	URL        string `yaml:"url" json:"url"`
	Token      string `yaml:"token" json:"-"`
	Type       string `yaml:"type" json:"type"`
	Visibility string `yaml:"visibility" json:"visibility"`
}

// TimeoutConfig bounds every blocking operation.
type TimeoutConfig struct {
	Fetch    time.Duration `yaml:"fetch" json:"fetch"`
	Delivery time.Duration `yaml:"delivery" json:"delivery"`
	Job      time.Duration `yaml:"job" json:"job"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for health, jobs and metrics.
	// Empty disables the HTTP server.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for cron, date-only events and
	// message formatting (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for the calendar poll. Descriptors like "@every 10m" also work.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// MaxEvents caps how many upcoming events one poll considers.
	MaxEvents int `yaml:"max_events" json:"max_events"`

	// HorizonDays is how far ahead events (and recurring instances) are read.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// TimeFormat / DateFormat are Go layouts for {{.start}} in templates.
	TimeFormat string `yaml:"time_format" json:"time_format"`
	DateFormat string `yaml:"date_format" json:"date_format"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`

	// CacheDir holds the ICS HTTP cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// RatePerSec throttles deliveries. Zero disables throttling.
	RatePerSec int `yaml:"rate_per_sec" json:"rate_per_sec"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	Notifications []NotificationConfig `yaml:"notifications" json:"notifications"`

	Slack    SlackConfig    `yaml:"slack" json:"slack"`
	Shoutout ShoutoutConfig `yaml:"shoutout" json:"shoutout"`

	// Templates are inline message templates keyed by id. TemplatesDir is
	// searched for <id>.tmpl when an id is not inline.
	Templates    map[string]string `yaml:"templates" json:"templates"`
	TemplatesDir string            `yaml:"templates_dir" json:"templates_dir"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Asia/Seoul"
	defaultRefreshCron = "*/15 * * * *"
	defaultMaxEvents   = 50
	defaultHorizonDays = 30
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Listen: defaultListen,
		Notifications: []NotificationConfig{
			{Name: "day-before", Offset: "1 day", Type: "shoutout", Template: "shoutout"},
			{Name: "starting-soon", Offset: "10 minutes", Type: "chat", Template: "chat"},
		},
		Templates: map[string]string{
			"chat":     "{{.title}} starts at {{.start}}{{if .location}} ({{.location}}){{end}} {{.link}}",
			"shoutout": "Tomorrow: {{.title}} at {{.start}}. {{.description}}",
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = defaultMaxEvents
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheDir == "" {
		c.CacheDir = "/var/lib/remindcal/ics-cache"
	}
	if c.Timeouts.Fetch <= 0 {
		c.Timeouts.Fetch = 30 * time.Second
	}
	if c.Timeouts.Delivery <= 0 {
		c.Timeouts.Delivery = 30 * time.Second
	}
	if c.Timeouts.Job <= 0 {
		c.Timeouts.Job = 2 * time.Minute
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.Templates == nil {
		c.Templates = map[string]string{}
	}
}

// Location resolves Timezone. Validate guarantees it loads.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Horizon returns HorizonDays as a duration.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// RuleSpecs converts the notification entries for reminder.ParseRules.
func (c *Config) RuleSpecs() []reminder.RuleSpec {
	specs := make([]reminder.RuleSpec, 0, len(c.Notifications))
	for _, n := range c.Notifications {
		specs = append(specs, reminder.RuleSpec{
			Name:         n.Name,
			Offset:       n.Offset,
			Type:         n.Type,
			Template:     n.Template,
			ShoutoutType: n.ShoutoutType,
			Visibility:   n.Visibility,
		})
	}
	return specs
}

// Rules parses the notification entries.
func (c *Config) Rules() ([]reminder.Rule, error) {
	return reminder.ParseRules(c.RuleSpecs())
}

// CronParser is the parser used for RefreshCron: standard 5 fields plus
// descriptors such as "@hourly" or "@every 5m".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that would otherwise fail later at runtime.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := CronParser.Parse(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	if len(c.ICS) == 0 {
		errs = append(errs, errors.New("ics: at least one source is required"))
	}
	seenIDs := make(map[string]struct{}, len(c.ICS))
	for i, src := range c.ICS {
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("ics[%d]: url is required", i))
		}
		id := src.SourceID()
		if _, dup := seenIDs[id]; dup {
			errs = append(errs, fmt.Errorf("ics[%d]: duplicate id %q", i, id))
		}
		seenIDs[id] = struct{}{}
	}

	if len(c.Notifications) == 0 {
		errs = append(errs, errors.New("notifications: at least one rule is required"))
	}
	rules, err := c.Rules()
	if err != nil {
		errs = append(errs, err)
	}
	for _, r := range rules {
		switch r.Channel {
		case reminder.ChannelChat:
			if c.Slack.Token == "" || c.Slack.Channel == "" {
				errs = append(errs, fmt.Errorf("notification %q: chat requires slack.token and slack.channel", r.Name))
			}
		case reminder.ChannelShoutout:
			if c.Shoutout.URL == "" {
				errs = append(errs, fmt.Errorf("notification %q: shoutout requires shoutout.url", r.Name))
			}
		}
		if !c.hasTemplate(r.Template) {
			errs = append(errs, fmt.Errorf("notification %q: template %q not found inline or in templates_dir", r.Name, r.Template))
		}
		if r.Offset.Duration() > c.Horizon() {
			errs = append(errs, fmt.Errorf("notification %q: offset %q exceeds horizon_days %d", r.Name, r.Offset.Raw, c.HorizonDays))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) hasTemplate(id string) bool {
	if _, ok := c.Templates[id]; ok {
		return true
	}
	if c.TemplatesDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(c.TemplatesDir, id+".tmpl"))
	return err == nil
}

// SourceID returns ID, falling back to Name and then URL.
func (s ICSConfig) SourceID() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Name != "":
		return s.Name
	default:
		return s.URL
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Load does not validate; callers run Validate before starting.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".remindcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
