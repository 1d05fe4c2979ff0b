// Package notify is the edge to the chat front end.
//
// The front end itself (command parsing, keyboards, message formatting)
// lives outside this service; the worker only pushes outcome texts to an
// owner's chat.
package notify

import "context"

type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, int64, string) error { return nil }

// Nop returns a notifier that silently discards everything.
func Nop() Notifier { return nopNotifier{} }
