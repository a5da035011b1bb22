package relay

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender posts and edits Telegram messages.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
}

// BotAPI is the subset of *tgbotapi.BotAPI used by TelegramSender.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender sends through the Telegram Bot API.
type TelegramSender struct {
	bot BotAPI
}

// NewTelegramSender wraps bot.
func NewTelegramSender(bot BotAPI) *TelegramSender {
	return &TelegramSender{bot: bot}
}

// SendMessage posts text to chatID and returns the new message ID.
func (s *TelegramSender) SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if html {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	msg.DisableWebPagePreview = true

	sent, err := s.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return int64(sent.MessageID), nil
}

// EditMessage replaces the HTML text of a message. Edits that would not
// change the text succeed.
func (s *TelegramSender) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, int(messageID), text)
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = true

	if _, err := s.bot.Send(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}
