package reminder

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownChannel is returned when a notification names a channel type
// this service cannot deliver to.
var ErrUnknownChannel = errors.New("unknown notification channel")

// Channel is the closed set of delivery channels.
type Channel int

const (
	ChannelChat Channel = iota + 1
	ChannelShoutout
)

// ParseChannel maps the config value ("chat", "shoutout") to a Channel.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "chat":
		return ChannelChat, nil
	case "shoutout":
		return ChannelShoutout, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
}

func (c Channel) String() string {
	switch c {
	case ChannelChat:
		return "chat"
	case ChannelShoutout:
		return "shoutout"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Rule is one configured notification: fire Offset before an event, render
// Template, deliver on Channel. Rules are immutable once loaded.
type Rule struct {
	Name     string
	Offset   Offset
	Channel  Channel
	Template string

	// Shout-out only; empty means use the global default.
	ShoutoutType string
	Visibility   string
}

// ID identifies the rule inside job keys. Named rules use their name,
// anonymous ones are derived from their settings.
func (r Rule) ID() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s/%s/%s", r.Offset.Raw, r.Channel, r.Template)
}

// FireTime is the instant a reminder for an event starting at start fires.
func (r Rule) FireTime(start time.Time) time.Time {
	return start.Add(-r.Offset.Duration())
}

// RuleSpec is the unparsed form of a Rule as it appears in configuration.
type RuleSpec struct {
	Name         string
	Offset       string
	Type         string
	Template     string
	ShoutoutType string
	Visibility   string
}

// ParseRules converts config entries into Rules, failing on the first
// malformed offset or unknown channel. Entries without a name get a
// positional one so that two otherwise identical rules keep distinct keys.
func ParseRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))

	for i, s := range specs {
		off, err := NewOffset(s.Offset)
		if err != nil {
			return nil, fmt.Errorf("notification %d: %w", i, err)
		}
		ch, err := ParseChannel(s.Type)
		if err != nil {
			return nil, fmt.Errorf("notification %d: %w", i, err)
		}
		if s.Template == "" {
			return nil, fmt.Errorf("notification %d: template is required", i)
		}

		r := Rule{
			Name:         s.Name,
			Offset:       off,
			Channel:      ch,
			Template:     s.Template,
			ShoutoutType: s.ShoutoutType,
			Visibility:   s.Visibility,
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("%d:%s", i, r.ID())
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("notification %d: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = struct{}{}
		rules = append(rules, r)
	}

	return rules, nil
}
