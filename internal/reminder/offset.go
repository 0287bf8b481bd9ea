package reminder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidOffsetFormat is returned for offset strings that are not of the
// form "<amount> <unit>" with a recognized unit.
var ErrInvalidOffsetFormat = errors.New("invalid offset format")

var unitMinutes = map[string]int{
	"minute":  1,
	"minutes": 1,
	"hour":    60,
	"hours":   60,
	"day":     1440,
	"days":    1440,
}

// Offset is a parsed reminder offset: how long before an event's start the
// reminder fires.
type Offset struct {
	Minutes int
	// Raw is the configured text, kept for logging.
	Raw string
}

// Duration returns the offset as a time.Duration.
func (o Offset) Duration() time.Duration {
	return time.Duration(o.Minutes) * time.Minute
}

func (o Offset) String() string { return o.Raw }

// ParseOffset converts "<amount> <unit>" into minutes.
//
//   - amount must be a positive integer
//   - unit is one of minute(s), hour(s), day(s), matched case-sensitively
//
// Examples: "10 minutes" -> 10, "4 hours" -> 240, "1 day" -> 1440.
func ParseOffset(s string) (int, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q: expected \"<amount> <unit>\"", ErrInvalidOffsetFormat, s)
	}

	amount, err := strconv.Atoi(parts[0])
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("%w: %q: amount must be a positive integer", ErrInvalidOffsetFormat, s)
	}

	mult, ok := unitMinutes[parts[1]]
	if !ok {
		return 0, fmt.Errorf("%w: unrecognized unit %q", ErrInvalidOffsetFormat, parts[1])
	}

	return amount * mult, nil
}

// NewOffset parses s and keeps the raw text alongside the minute count.
func NewOffset(s string) (Offset, error) {
	m, err := ParseOffset(s)
	if err != nil {
		return Offset{}, err
	}
	return Offset{Minutes: m, Raw: s}, nil
}
