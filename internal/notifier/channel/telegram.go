package channel

import (
	"context"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"fleetrun/internal/model"
)

// Telegram API limit for one text message.
const telegramMaxText = 4096

// Telegram sends to a chat (optionally a forum topic) with a bot token.
//
// Settings: token or token_env, chat_id, thread_id (optional), api_url (optional).
type Telegram struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegram(cfg model.Channel, deps Deps) (Channel, error) {
	token := secret(cfg, "token")
	if token == "" {
		return nil, missing("token")
	}
	raw := setting(cfg, "chat_id")
	if raw == "" {
		return nil, missing("chat_id")
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat_id %q", raw)
	}
	threadID := 0
	if v := setting(cfg, "thread_id"); v != "" {
		if threadID, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid thread_id %q", v)
		}
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:    setting(cfg, "api_url"),
		Token:  token,
		Client: deps.HTTP,
		// Send-only: no getMe round trip and no poller.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot, chatID: chatID, threadID: threadID}, nil
}

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	// telebot has no per-call context; the shared HTTP client bounds the call.
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.threadID}
	if _, err := t.bot.Send(&tele.Chat{ID: t.chatID}, clip(msg.Text, telegramMaxText), opt); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}
