package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
	"remindcal/internal/model"
	"remindcal/internal/reminder"
)

const (
	DefaultTimeFormat      = "Mon, Jan 2 2006 15:04"
	DefaultDateFormat      = "Mon, Jan 2 2006"
	defaultDeliveryTimeout = 30 * time.Second
)

// Renderer turns a template id plus field map into message text.
type Renderer interface {
	Render(id string, fields map[string]string) (string, error)
}

// ChatSender delivers a chat message.
type ChatSender interface {
	SendChat(ctx context.Context, text string) error
}

// ShoutoutSender delivers a shout-out feed post.
type ShoutoutSender interface {
	SendShoutout(ctx context.Context, text, shoutoutType, visibility string) error
}

// RouterConfig wires a Router. Chat and Shoutout may be nil when no rule uses
// that channel.
type RouterConfig struct {
	Renderer Renderer
	Chat     ChatSender
	Shoutout ShoutoutSender

	// Location and TimeFormat control how {{.start}} is rendered. All-day
	// events use DateFormat instead.
	Location   *time.Location
	TimeFormat string
	DateFormat string

	// Default shout-out parameters when a rule leaves them empty.
	ShoutoutType string
	Visibility   string

	// DeliveryTimeout bounds each send. RatePerSec throttles sends across
	// all channels; zero disables throttling.
	DeliveryTimeout time.Duration
	RatePerSec      int

	Metrics *metrics.Metrics
}

// Router renders a reminder and hands it to the delivery channel selected by
// the rule. It never retries.
type Router struct {
	cfg     RouterConfig
	limiter *rate.Limiter
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = DefaultTimeFormat
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = DefaultDateFormat
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}

	r := &Router{cfg: cfg}
	if cfg.RatePerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return r
}

// Fields builds the template field map for ev. Optional values that are
// absent render as "".
func (r *Router) Fields(ev model.Event, rule reminder.Rule) map[string]string {
	start := ev.Start.In(r.cfg.Location)
	layout := r.cfg.TimeFormat
	if ev.AllDay {
		layout = r.cfg.DateFormat
	}

	return map[string]string{
		"id":          ev.ID,
		"title":       ev.Title,
		"start":       start.Format(layout),
		"location":    ev.Location,
		"description": ev.Description,
		"link":        ev.Link,
		"offset":      rule.Offset.Raw,
		"all_day":     strconv.FormatBool(ev.AllDay),
	}
}

// Dispatch renders the rule's template for ev and delivers it. Errors are
// logged with the rule, event and a per-delivery id before being returned;
// callers need not log them again.
func (r *Router) Dispatch(ctx context.Context, ev model.Event, rule reminder.Rule) error {
	deliveryID := uuid.NewString()
	kv := []any{
		"delivery_id", deliveryID,
		"rule", rule.ID(),
		"channel", rule.Channel.String(),
		"event_id", ev.ID,
		"event_title", ev.Title,
	}

	text, err := r.cfg.Renderer.Render(rule.Template, r.Fields(ev, rule))
	if err != nil {
		appLog.Error("reminder render failed", err, append(kv, "template", rule.Template)...)
		r.cfg.Metrics.Delivery(rule.Channel.String(), "render_error")
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(sendCtx); err != nil {
			err = fmt.Errorf("%w: rate limiter: %v", ErrDelivery, err)
			appLog.Error("reminder delivery throttled out", err, kv...)
			r.cfg.Metrics.Delivery(rule.Channel.String(), "error")
			return err
		}
	}

	err = r.send(sendCtx, rule, text)
	if err != nil {
		appLog.Error("reminder delivery failed", err, kv...)
		r.cfg.Metrics.Delivery(rule.Channel.String(), "error")
		return err
	}

	appLog.Info("reminder delivered", kv...)
	r.cfg.Metrics.Delivery(rule.Channel.String(), "ok")
	return nil
}

func (r *Router) send(ctx context.Context, rule reminder.Rule, text string) error {
	switch rule.Channel {
	case reminder.ChannelChat:
		if r.cfg.Chat == nil {
			return fmt.Errorf("%w: no chat sender configured", ErrDelivery)
		}
		return r.cfg.Chat.SendChat(ctx, text)

	case reminder.ChannelShoutout:
		if r.cfg.Shoutout == nil {
			return fmt.Errorf("%w: no shoutout sender configured", ErrDelivery)
		}
		st := rule.ShoutoutType
		if st == "" {
			st = r.cfg.ShoutoutType
		}
		vis := rule.Visibility
		if vis == "" {
			vis = r.cfg.Visibility
		}
		return r.cfg.Shoutout.SendShoutout(ctx, text, st, vis)

	default:
		return fmt.Errorf("%w: %s", reminder.ErrUnknownChannel, rule.Channel)
	}
}
