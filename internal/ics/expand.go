package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone all events are converted to. If nil,
	// time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd bound event starts (inclusive).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps expansion of a single recurring event.
	// If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded events and the UIDs that hit the cap.
type ExpandResult struct {
	Events          []model.Event
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed VEVENTs into concrete events whose start
// falls inside [RangeStart, RangeEnd]. It handles:
//
//   - single non-recurring events
//   - RRULE recurrence, with EXDATE removals
//   - RECURRENCE-ID overrides (moved or edited instances)
//   - all-day semantics
//
// Event IDs are stable across polls: the UID for single events and
// "UID@<RFC3339 original start>" for recurring instances, so a moved
// instance keeps its ID while its Start changes.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID. Overrides of a single event
	// (RECURRENCE-ID on a non-recurring UID) are matched the same way.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	order := make([]string, 0)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	out := make([]model.Event, 0)
	for _, uid := range order {
		ov := overridesByUID[uid]
		truncated := false

		for _, ev := range baseByUID[uid] {
			var expanded []model.Event
			if ev.RawRRule == "" {
				expanded = expandSingleEvent(ev, ov, cfg)
			} else {
				var hitCap bool
				expanded, hitCap = expandRecurringEvent(ev, ov, cfg)
				truncated = truncated || hitCap
			}
			out = append(out, expanded...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	result.Events = out
	return result, nil
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Event {
	id := ev.UID
	if o, ok := findOverrideForStart(overrides, ev.Start); ok {
		ev = o
	}
	if !inRange(ev.Start, cfg) {
		return nil
	}
	return []model.Event{makeEvent(id, ev, ev.Start, ev.End, cfg.DisplayLocation)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Event, bool) {
	out := make([]model.Event, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Overrides may move an instance into the window from outside it, so the
	// original instants are searched over a window widened by the largest
	// override shift.
	slack := maxOverrideShift(overrides)
	rangeStart := cfg.RangeStart.Add(-slack).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.Add(slack).In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	for _, occStart := range occTimes {
		if ev.AllDay {
			occStart = time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
		}
		id := ev.UID + "@" + occStart.Format(time.RFC3339)

		inst := ev
		start, end := occStart, occStart.Add(dur)
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			inst = o
			start, end = o.Start, o.End
		}
		if !inRange(start, cfg) {
			continue
		}
		out = append(out, makeEvent(id, inst, start, end, cfg.DisplayLocation))
	}

	return out, hitCap
}

// findOverrideForStart finds an override whose RECURRENCE-ID equals the
// original instance start.
func findOverrideForStart(overrides []ParsedEvent, originalStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(originalStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func maxOverrideShift(overrides []ParsedEvent) time.Duration {
	var maxShift time.Duration
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		d := ov.Start.Sub(*ov.Recurrence)
		if d < 0 {
			d = -d
		}
		if d > maxShift {
			maxShift = d
		}
	}
	return maxShift
}

func inRange(start time.Time, cfg ExpandConfig) bool {
	return !start.Before(cfg.RangeStart) && !start.After(cfg.RangeEnd)
}

func makeEvent(id string, ev ParsedEvent, start, end time.Time, displayLoc *time.Location) model.Event {
	return model.Event{
		ID:          id,
		SourceID:    ev.Source.ID,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Link:        ev.URL,
		AllDay:      ev.AllDay,
		Start:       start.In(displayLoc),
		End:         end.In(displayLoc),
	}
}
