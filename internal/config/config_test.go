package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/reminder"
)

const sampleYAML = `
listen: 127.0.0.1:9090
timezone: UTC
refresh: "@every 10m"
max_events: 20
timeouts:
  fetch: 10s
  delivery: 5s
ics:
  - id: work
    url: https://cal.example.com/work.ics
notifications:
  - name: day-before
    offset: 1 day
    type: shoutout
    template: shout
    visibility: public
  - offset: 10 minutes
    type: chat
    template: chat
slack:
  token: xoxb-1
  channel: C123
shoutout:
  url: https://feed.example.com/api/shoutouts
  type: announcement
  visibility: team
templates:
  chat: "{{.title}} at {{.start}}"
  shout: "Tomorrow: {{.title}}"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, "@every 10m", cfg.RefreshCron)
	assert.Equal(t, 20, cfg.MaxEvents)
	assert.Equal(t, defaultHorizonDays, cfg.HorizonDays)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Fetch)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Delivery)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Job)
	require.NoError(t, cfg.Validate())

	rules, err := cfg.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, reminder.ChannelShoutout, rules[0].Channel)
	assert.Equal(t, 1440, rules[0].Offset.Minutes)
	assert.Equal(t, reminder.ChannelChat, rules[1].Channel)
}

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultListen, cfg.Listen)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Notifications, again.Notifications)
	assert.Equal(t, cfg.Templates, again.Templates)
	assert.Equal(t, cfg.Timeouts, again.Timeouts)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "ics: [unclosed"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestValidateFailsFast(t *testing.T) {
	cases := map[string]func(c *Config){
		"bad offset":          func(c *Config) { c.Notifications[0].Offset = "2 weeks" },
		"unknown channel":     func(c *Config) { c.Notifications[1].Type = "email" },
		"bad timezone":        func(c *Config) { c.Timezone = "Mars/Olympus" },
		"bad cron":            func(c *Config) { c.RefreshCron = "every now and then" },
		"no sources":          func(c *Config) { c.ICS = nil },
		"no slack":            func(c *Config) { c.Slack.Token = "" },
		"no shoutout url":     func(c *Config) { c.Shoutout.URL = "" },
		"missing template":    func(c *Config) { c.Notifications[1].Template = "nope" },
		"offset past horizon": func(c *Config) { c.HorizonDays = 0; c.Normalize(); c.Notifications[0].Offset = "40 days" },
		"duplicate source":    func(c *Config) { c.ICS = append(c.ICS, c.ICS[0]) },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleYAML))
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateReportsOffsetError(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	cfg.Notifications[0].Offset = "3 fortnights"

	err = cfg.Validate()
	assert.ErrorIs(t, err, reminder.ErrInvalidOffsetFormat)
}

func TestTemplatesDirSatisfiesValidation(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weekly.tmpl"), []byte("{{.title}}"), 0o600))
	cfg.TemplatesDir = dir
	cfg.Notifications[1].Template = "weekly"

	assert.NoError(t, cfg.Validate())
}

func TestSourceID(t *testing.T) {
	assert.Equal(t, "id", ICSConfig{ID: "id", Name: "n", URL: "u"}.SourceID())
	assert.Equal(t, "n", ICSConfig{Name: "n", URL: "u"}.SourceID())
	assert.Equal(t, "u", ICSConfig{URL: "u"}.SourceID())
}
