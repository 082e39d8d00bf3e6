package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"fleetrun/internal/model"
)

// Slack posts through an incoming webhook (setting webhook_url) or with a bot
// token (token or token_env, plus channel).
type Slack struct {
	webhookURL string
	channel    string
	client     *slack.Client
	deps       Deps
}

func NewSlack(cfg model.Channel, deps Deps) (Channel, error) {
	s := &Slack{webhookURL: secret(cfg, "webhook_url"), deps: deps}
	if s.webhookURL != "" {
		return s, nil
	}
	token := secret(cfg, "token")
	s.channel = setting(cfg, "channel")
	if token == "" {
		return nil, errors.New("slack channel needs webhook_url or token")
	}
	if s.channel == "" {
		return nil, missing("channel")
	}
	opts := []slack.Option{slack.OptionHTTPClient(deps.HTTP)}
	if api := setting(cfg, "api_url"); api != "" {
		opts = append(opts, slack.OptionAPIURL(api))
	}
	s.client = slack.New(token, opts...)
	return s, nil
}

func (s *Slack) Send(ctx context.Context, msg Message) error {
	if s.webhookURL != "" {
		if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.deps.HTTP, &slack.WebhookMessage{Text: msg.Text}); err != nil {
			return fmt.Errorf("slack: post webhook: %w", err)
		}
		return nil
	}
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(msg.Text, false)); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}
