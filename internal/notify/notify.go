// Package notify escalates terminal conversation failures to operator
// channels. Delivery is best-effort: a sink that fails logs and is skipped,
// never blocking or failing orchestration.
package notify

import (
	"fmt"
	"log"

	"github.com/psychophant/arena/internal/config"
)

// Sink delivers one ops notification to a single destination.
type Sink interface {
	Name() string
	Send(text string) error
}

// Notifier fans a notification out to every configured sink.
type Notifier struct {
	sinks []Sink
}

// New builds a notifier over the given sinks. Zero sinks is valid: every
// notification becomes a log line only.
func New(sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks}
}

// FromConfig builds a notifier with the sinks enabled in cfg. Sinks without
// credentials are silently skipped.
func FromConfig(cfg config.NotifyConfig) (*Notifier, error) {
	var sinks []Sink
	if cfg.Discord.BotToken != "" && cfg.Discord.ChannelID != "" {
		sink, err := NewDiscordSink(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Slack.BotToken != "" && cfg.Slack.ChannelID != "" {
		sinks = append(sinks, NewSlackSink(cfg.Slack.BotToken, cfg.Slack.ChannelID))
	}
	return New(sinks...), nil
}

// ConversationPaused reports a conversation that orchestration parked after
// a terminal failure. Satisfies the orchestrator's Notifier interface.
func (n *Notifier) ConversationPaused(conversationID, code, message string) {
	text := fmt.Sprintf("Conversation %s paused [%s]: %s", conversationID, code, message)
	log.Printf("notify: %s", text)
	for _, sink := range n.sinks {
		if err := sink.Send(text); err != nil {
			log.Printf("notify: %s send failed: %v", sink.Name(), err)
		}
	}
}
