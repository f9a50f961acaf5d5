package notify

import (
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackSink posts notifications to a Slack channel over the Web API.
type SlackSink struct {
	client    slackClient
	channelID string
}

// NewSlackSink creates a Slack sink from a bot token and channel ID.
func NewSlackSink(botToken, channelID string) *SlackSink {
	return &SlackSink{client: slackapi.New(botToken), channelID: channelID}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(text string) error {
	if _, _, err := s.client.PostMessage(s.channelID, slackapi.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("notify: slack send: %w", err)
	}
	return nil
}
