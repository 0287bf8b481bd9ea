package ics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmhodges/clock"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const defaultHorizon = 30 * 24 * time.Hour

// CalendarConfig configures a Calendar.
type CalendarConfig struct {
	Sources []Source
	// Location is the display timezone; date-only events start at midnight
	// here.
	Location *time.Location
	// Horizon bounds how far ahead events are returned. Zero means 30 days.
	Horizon time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Calendar is the event source for the poller: it fetches every configured
// feed, parses and expands them, and returns upcoming events.
type Calendar struct {
	fetcher *Fetcher
	cfg     CalendarConfig
}

// NewCalendar creates a Calendar backed by fetcher.
func NewCalendar(fetcher *Fetcher, cfg CalendarConfig) *Calendar {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = defaultHorizon
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Calendar{fetcher: fetcher, cfg: cfg}
}

// ListUpcoming returns at most maxCount events starting at or after now and
// within the horizon, ordered by start (ties by ID). The same event ID seen
// in several feeds is returned once.
//
// It fails with ErrFetch only when no feed could be fetched; partial
// failures are logged and the remaining feeds are used.
func (c *Calendar) ListUpcoming(ctx context.Context, maxCount int) ([]model.Event, error) {
	if len(c.cfg.Sources) == 0 {
		return nil, nil
	}

	results, errs := c.fetcher.FetchAll(ctx, c.cfg.Sources)
	if len(results) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("%w: all %d sources failed: %w", ErrFetch, len(errs), errors.Join(errs...))
	}

	parsed := make([]ParsedEvent, 0)
	for _, res := range results {
		events, err := ParseICS(res.Source, res.Body, c.cfg.Location)
		if err != nil {
			appLog.Error("calendar: parse failed for source", err, "id", res.Source.ID)
			continue
		}
		parsed = append(parsed, events...)
	}

	now := c.cfg.Clock.Now().In(c.cfg.Location)
	expanded, err := ExpandOccurrences(parsed, ExpandConfig{
		DisplayLocation: c.cfg.Location,
		RangeStart:      now,
		RangeEnd:        now.Add(c.cfg.Horizon),
	})
	if err != nil {
		return nil, err
	}

	events := dedupeByID(expanded.Events)
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ID < events[j].ID
	})
	if maxCount > 0 && len(events) > maxCount {
		events = events[:maxCount]
	}

	appLog.Debug("calendar: upcoming events", "count", len(events), "sources_ok", len(results), "sources_failed", len(errs))
	return events, nil
}

func dedupeByID(events []model.Event) []model.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	return out
}
