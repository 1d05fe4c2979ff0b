package notify

import (
	"context"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram is a send-only Bot API adapter. Update polling and command
// handling belong to the front end, not to this worker.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(token string) (*Telegram, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(tele.ChatID(chatID), text)
	return err
}
