package channel

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"fleetrun/internal/model"
)

// Discord API limit for one message.
const discordMaxText = 2000

// Discord posts over the REST API; no gateway connection is opened. Either a
// bot token with a channel, or a channel webhook.
//
// Settings: token or token_env, channel_id; or webhook_id, webhook_token or
// webhook_token_env.
type Discord struct {
	session      *discordgo.Session
	channelID    string
	webhookID    string
	webhookToken string
}

func NewDiscord(cfg model.Channel, deps Deps) (Channel, error) {
	d := &Discord{webhookID: setting(cfg, "webhook_id")}
	token := ""
	if d.webhookID != "" {
		d.webhookToken = secret(cfg, "webhook_token")
		if d.webhookToken == "" {
			return nil, missing("webhook_token")
		}
	} else {
		token = secret(cfg, "token")
		if token == "" {
			return nil, missing("token")
		}
		d.channelID = setting(cfg, "channel_id")
		if d.channelID == "" {
			return nil, missing("channel_id")
		}
		token = "Bot " + token
	}
	session, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Client = deps.HTTP
	d.session = session
	return d, nil
}

func (d *Discord) Send(ctx context.Context, msg Message) error {
	text := clip(msg.Text, discordMaxText)
	if d.webhookID != "" {
		params := &discordgo.WebhookParams{Content: text}
		if _, err := d.session.WebhookExecute(d.webhookID, d.webhookToken, false, params, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: execute webhook: %w", err)
		}
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}
