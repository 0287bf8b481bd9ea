package reminder

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/model"
)

func TestParseOffset(t *testing.T) {
	cases := map[string]int{
		"1 minute":   1,
		"10 minutes": 10,
		"1 hour":     60,
		"4 hours":    240,
		"1 day":      1440,
		"2 days":     2880,
	}
	for in, want := range cases {
		got, err := ParseOffset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseOffsetRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"4",
		"4 weeks",
		"4 Hours",
		"0 minutes",
		"-1 days",
		"one day",
		"1 day extra",
	} {
		_, err := ParseOffset(in)
		assert.ErrorIs(t, err, ErrInvalidOffsetFormat, in)
	}
}

func TestParseOffsetNamesUnknownUnit(t *testing.T) {
	_, err := ParseOffset("3 fortnights")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"fortnights"`)
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel("chat")
	require.NoError(t, err)
	assert.Equal(t, ChannelChat, ch)

	ch, err = ParseChannel("shoutout")
	require.NoError(t, err)
	assert.Equal(t, ChannelShoutout, ch)

	_, err = ParseChannel("email")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]RuleSpec{
		{Name: "day-before", Offset: "1 day", Type: "shoutout", Template: "shout", Visibility: "public"},
		{Offset: "10 minutes", Type: "chat", Template: "chat"},
	})
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "day-before", rules[0].ID())
	assert.Equal(t, 1440, rules[0].Offset.Minutes)
	assert.Equal(t, ChannelShoutout, rules[0].Channel)
	assert.Equal(t, "public", rules[0].Visibility)

	assert.Equal(t, "1:10 minutes/chat/chat", rules[1].ID())
	assert.Equal(t, "10 minutes", rules[1].Offset.String())
}

func TestParseRulesFailsFast(t *testing.T) {
	_, err := ParseRules([]RuleSpec{{Offset: "2 weeks", Type: "chat", Template: "x"}})
	assert.ErrorIs(t, err, ErrInvalidOffsetFormat)

	_, err = ParseRules([]RuleSpec{{Offset: "2 days", Type: "pager", Template: "x"}})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = ParseRules([]RuleSpec{{Offset: "2 days", Type: "chat"}})
	assert.Error(t, err)

	_, err = ParseRules([]RuleSpec{
		{Name: "a", Offset: "2 days", Type: "chat", Template: "x"},
		{Name: "a", Offset: "1 day", Type: "chat", Template: "x"},
	})
	assert.ErrorContains(t, err, "duplicate")
}

func mustRule(t *testing.T, name, offset string, ch Channel) Rule {
	t.Helper()
	off, err := NewOffset(offset)
	require.NoError(t, err)
	return Rule{Name: name, Offset: off, Channel: ch, Template: name}
}

func TestBuildPlanFiltersPastReminders(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := model.Event{ID: "ev1", Start: time.Date(2025, 3, 1, 10, 25, 0, 0, time.UTC)}

	rules := []Rule{
		mustRule(t, "twenty", "20 minutes", ChannelChat),
		mustRule(t, "thirty", "30 minutes", ChannelChat),
	}

	plan := slices.Collect(BuildPlan(ev, rules, now))
	require.Len(t, plan, 1)
	assert.Equal(t, "twenty", plan[0].Rule.Name)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC), plan[0].FireAt)
	assert.Equal(t, "ev1", plan[0].Event.ID)
}

func TestBuildPlanDropsReminderDueExactlyNow(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := model.Event{ID: "ev1", Start: now.Add(10 * time.Minute)}

	plan := slices.Collect(BuildPlan(ev, []Rule{mustRule(t, "ten", "10 minutes", ChannelChat)}, now))
	assert.Empty(t, plan)
}

func TestBuildPlanKeepsDeclarationOrder(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := model.Event{ID: "ev1", Start: now.Add(72 * time.Hour)}

	rules := []Rule{
		mustRule(t, "ten", "10 minutes", ChannelChat),
		mustRule(t, "day", "1 day", ChannelShoutout),
		mustRule(t, "hours", "4 hours", ChannelChat),
	}

	var names []string
	for r := range BuildPlan(ev, rules, now) {
		names = append(names, r.Rule.Name)
	}
	assert.Equal(t, []string{"ten", "day", "hours"}, names)

	// Early break stops the sequence.
	var first []string
	for r := range BuildPlan(ev, rules, now) {
		first = append(first, r.Rule.Name)
		break
	}
	assert.Equal(t, []string{"ten"}, first)
}
