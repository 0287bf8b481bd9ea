package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/model"
	"remindcal/internal/reminder"
)

type fakeChat struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeChat) SendChat(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

type shout struct{ text, typ, vis string }

type fakeShoutout struct {
	mu    sync.Mutex
	posts []shout
	err   error
}

func (f *fakeShoutout) SendShoutout(_ context.Context, text, typ, vis string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, shout{text, typ, vis})
	return f.err
}

func testEvent() model.Event {
	return model.Event{
		ID:    "ev1",
		Title: "Standup",
		Start: time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC),
		Link:  "https://cal.example.com/ev1",
	}
}

func testRule(t *testing.T, ch reminder.Channel, tmpl string) reminder.Rule {
	t.Helper()
	off, err := reminder.NewOffset("10 minutes")
	require.NoError(t, err)
	return reminder.Rule{Name: "r", Offset: off, Channel: ch, Template: tmpl}
}

func newRenderer(t *testing.T) *TemplateRenderer {
	t.Helper()
	r := NewTemplateRenderer("")
	require.NoError(t, r.Add("chat", "{{.title}} at {{.start}}{{if .location}} in {{.location}}{{end}} {{.link}}"))
	require.NoError(t, r.Add("shout", "Coming up: {{.title}} ({{.offset}})"))
	return r
}

func TestTemplateRenderer(t *testing.T) {
	r := newRenderer(t)

	out, err := r.Render("chat", map[string]string{"title": "Demo", "start": "9:00"})
	require.NoError(t, err)
	assert.Equal(t, "Demo at 9:00", out)

	_, err = r.Render("nope", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	assert.ErrorIs(t, r.Add("broken", "{{.title"), ErrRender)
}

func TestTemplateRendererLoadsFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weekly.tmpl"), []byte("Weekly: {{.title}}\n"), 0o600))

	r := NewTemplateRenderer(dir)
	assert.True(t, r.Has("weekly"))
	assert.False(t, r.Has("missing"))
	assert.False(t, r.Has("../weekly"))

	out, err := r.Render("weekly", map[string]string{"title": "Sync"})
	require.NoError(t, err)
	assert.Equal(t, "Weekly: Sync", out)
}

func TestDispatchChat(t *testing.T) {
	chat := &fakeChat{}
	shouts := &fakeShoutout{}
	r := NewRouter(RouterConfig{Renderer: newRenderer(t), Chat: chat, Shoutout: shouts, Location: time.UTC})

	require.NoError(t, r.Dispatch(context.Background(), testEvent(), testRule(t, reminder.ChannelChat, "chat")))

	require.Len(t, chat.texts, 1)
	assert.Equal(t, "Standup at Mon, Mar 3 2025 09:30 https://cal.example.com/ev1", chat.texts[0])
	assert.Empty(t, shouts.posts)
}

func TestDispatchShoutoutUsesRuleThenDefaults(t *testing.T) {
	shouts := &fakeShoutout{}
	r := NewRouter(RouterConfig{
		Renderer:     newRenderer(t),
		Shoutout:     shouts,
		ShoutoutType: "announcement",
		Visibility:   "team",
	})

	rule := testRule(t, reminder.ChannelShoutout, "shout")
	require.NoError(t, r.Dispatch(context.Background(), testEvent(), rule))

	rule.Visibility = "public"
	require.NoError(t, r.Dispatch(context.Background(), testEvent(), rule))

	require.Len(t, shouts.posts, 2)
	assert.Equal(t, shout{"Coming up: Standup (10 minutes)", "announcement", "team"}, shouts.posts[0])
	assert.Equal(t, "public", shouts.posts[1].vis)
}

func TestDispatchReportsFailures(t *testing.T) {
	chat := &fakeChat{err: errors.New("slack down")}
	r := NewRouter(RouterConfig{Renderer: newRenderer(t), Chat: chat})

	err := r.Dispatch(context.Background(), testEvent(), testRule(t, reminder.ChannelChat, "chat"))
	assert.EqualError(t, err, "slack down")

	err = r.Dispatch(context.Background(), testEvent(), testRule(t, reminder.ChannelChat, "missing"))
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.Len(t, chat.texts, 1, "render failure must not reach the sender")

	err = r.Dispatch(context.Background(), testEvent(), testRule(t, reminder.ChannelShoutout, "shout"))
	assert.ErrorIs(t, err, ErrDelivery)
}

func TestFieldsForAllDayEvent(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	r := NewRouter(RouterConfig{Renderer: newRenderer(t), Location: loc})

	ev := model.Event{ID: "holiday", Title: "Holiday", AllDay: true, Start: time.Date(2025, 5, 5, 0, 0, 0, 0, loc)}
	fields := r.Fields(ev, testRule(t, reminder.ChannelChat, "chat"))

	assert.Equal(t, "Mon, May 5 2025", fields["start"])
	assert.Equal(t, "", fields["location"])
	assert.Equal(t, "", fields["description"])
	assert.Equal(t, "true", fields["all_day"])
}

func TestSlackSender(t *testing.T) {
	var gotText, gotChannel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		gotText = r.FormValue("text")
		gotChannel = r.FormValue("channel")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	s := NewSlackSender("xoxb-test", "C123", slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, s.SendChat(context.Background(), "hello"))
	assert.Equal(t, "hello", gotText)
	assert.Equal(t, "C123", gotChannel)
}

func TestSlackSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlackSender("xoxb-test", "C404", slack.OptionAPIURL(srv.URL+"/"))
	err := s.SendChat(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestFeedSender(t *testing.T) {
	var got shoutoutRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewFeedSender(srv.URL, "secret")
	require.NoError(t, s.SendShoutout(context.Background(), "hi", "kudos", "public"))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, shoutoutRequest{Text: "hi", Type: "kudos", Visibility: "public"}, got)
}

func TestFeedSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "visibility not allowed", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewFeedSender(srv.URL, "").SendShoutout(context.Background(), "hi", "kudos", "secret")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "visibility not allowed")
}
