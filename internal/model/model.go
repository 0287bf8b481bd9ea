package model

import "time"

// Event is a single upcoming calendar occurrence as handed to the reminder
// core. Recurring events arrive already expanded, one Event per instance.
// Events are snapshots: nothing downstream mutates them.
type Event struct {
	// ID uniquely identifies the occurrence across poll cycles. For single
	// events this is the iCalendar UID; recurring instances append the
	// instance start (see ics.ExpandOccurrences).
	ID       string
	SourceID string // calendar source ID (config ICS ID)

	Title       string
	Description string
	Location    string
	Link        string

	// AllDay marks date-only events; Start is then local midnight in the
	// configured display timezone.
	AllDay bool

	Start time.Time
	End   time.Time
}
