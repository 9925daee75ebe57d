package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel implements Channel over the Telegram Bot API. It only
// sends; inbound updates arrive through the tenant's webhook endpoint
// (POST /webhooks/telegram/{tenant}), not through long-polling, so there
// is no Start/poll loop here.
type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramChannel dials the Telegram Bot API once at startup and
// confirms the token by fetching the bot's own identity.
func NewTelegramChannel(token string, logger *slog.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init failed: %w", err)
	}
	logger.Info("telegram transport ready", "user", bot.Self.UserName)
	return &TelegramChannel{bot: bot, logger: logger}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

// ResolveRecipient treats a Telegram user-handle as the chat id itself,
// serialized as a base-10 string; Telegram has no separate concept of a
// stable "handle" distinct from the chat id.
func (t *TelegramChannel) ResolveRecipient(ctx context.Context, userHandle string) (string, error) {
	if _, err := strconv.ParseInt(userHandle, 10, 64); err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", userHandle, err)
	}
	return userHandle, nil
}

// Send delivers text to the chat identified by channelHandle (a chat id)
// and returns the Telegram message id, stringified, as the transport
// message id.
func (t *TelegramChannel) Send(ctx context.Context, channelHandle, text string) (string, error) {
	chatID, err := strconv.ParseInt(channelHandle, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", channelHandle, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram: send failed: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
