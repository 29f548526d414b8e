package alert

import (
	"context"
	"fmt"
	"html"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"mailpilot_worker/core/domain"
)

// TelegramSink posts alerts to one chat through a bot.
type TelegramSink struct {
	bot    *bot.Bot
	chatID int64
}

// NewTelegramSink builds a send-only bot. No updates are consumed, so the
// bot is never started.
func NewTelegramSink(token string, chatID int64, opts ...bot.Option) (*TelegramSink, error) {
	opts = append([]bot.Option{bot.WithSkipGetMe()}, opts...)
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{bot: b, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) SendAlert(ctx context.Context, a *domain.Alert) error {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      formatHTML(a),
		ParseMode: models.ParseModeHTML,
	})
	return err
}

func formatHTML(a *domain.Alert) string {
	return fmt.Sprintf("<b>Mailbox %s</b>\n%s\n<i>%s</i>\n%s",
		html.EscapeString(string(a.Health)),
		html.EscapeString(a.Email),
		html.EscapeString(a.Reason),
		a.At.UTC().Format("2006-01-02 15:04:05 MST"))
}
