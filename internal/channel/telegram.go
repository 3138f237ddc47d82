package channel

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
)

// TelegramHandler posts job results to a Telegram chat. The job's recipient
// (from an @-prefixed prompt) selects the chat; defaultChat is the fallback.
type TelegramHandler struct {
	bot         *bot.Bot
	defaultChat string
}

var _ Handler = (*TelegramHandler)(nil)

func NewTelegramHandler(token, defaultChat string) (*TelegramHandler, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramHandler{bot: b, defaultChat: defaultChat}, nil
}

func (h *TelegramHandler) Name() string { return Telegram }

func (h *TelegramHandler) Deliver(ctx context.Context, d Delivery) error {
	chat := d.Recipient
	if chat == "" {
		chat = h.defaultChat
	}
	if chat == "" {
		return fmt.Errorf("telegram delivery for job %q: no recipient and no default chat", d.JobName)
	}
	_, err := h.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chat,
		Text:   d.Response,
	})
	if err != nil {
		return fmt.Errorf("telegram send to %s: %w", chat, err)
	}
	return nil
}
