package notify

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSink posts notifications to a Discord channel over the REST API.
// No gateway connection is held; each send is a single API call.
type DiscordSink struct {
	sess      discordSession
	channelID string
}

// NewDiscordSink creates a Discord sink from a bot token and channel ID.
func NewDiscordSink(botToken, channelID string) (*DiscordSink, error) {
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	return &DiscordSink{sess: sess, channelID: channelID}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Send(text string) error {
	if _, err := d.sess.ChannelMessageSend(d.channelID, text); err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}
