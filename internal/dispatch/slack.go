package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

// ErrDelivery wraps every failure reported by a delivery channel.
var ErrDelivery = errors.New("delivery failed")

var _ ChatSender = (*SlackSender)(nil)

// SlackSender posts chat reminders to a single Slack channel.
type SlackSender struct {
	client  *slack.Client
	channel string
}

// NewSlackSender creates a sender using a bot token. opts are passed through
// to slack.New (tests point OptionAPIURL at a local server).
func NewSlackSender(token, channel string, opts ...slack.Option) *SlackSender {
	return &SlackSender{
		client:  slack.New(token, opts...),
		channel: channel,
	}
}

// SendChat posts text as a plain message.
func (s *SlackSender) SendChat(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("%w: slack: post message: %v", ErrDelivery, err)
	}
	return nil
}
