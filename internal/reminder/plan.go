package reminder

import (
	"iter"
	"time"

	"remindcal/internal/model"
)

// Reminder is one planned notification: Rule applied to Event at FireAt.
type Reminder struct {
	Event  model.Event
	Rule   Rule
	FireAt time.Time
}

// BuildPlan yields, in rule declaration order, every reminder for ev whose
// fire instant (ev.Start minus the rule offset) is strictly after now.
// Reminders due at or before now are dropped, never fired late.
func BuildPlan(ev model.Event, rules []Rule, now time.Time) iter.Seq[Reminder] {
	return func(yield func(Reminder) bool) {
		for _, r := range rules {
			at := r.FireTime(ev.Start)
			if !at.After(now) {
				continue
			}
			if !yield(Reminder{Event: ev, Rule: r, FireAt: at}) {
				return
			}
		}
	}
}
