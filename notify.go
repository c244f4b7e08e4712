package chatsync

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to a logger. It is the default Notifier
// when the UI layer does not install one.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Variant == VariantDestructive {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, n.Title, "description", n.Description)
}

// notify delivers n without letting a misbehaving notifier take the engine
// down.
func (e *Engine) notify(title, description string, variant NotificationVariant) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notifier panicked", "panic", r)
		}
	}()
	e.notifier.Notify(Notification{Title: title, Description: description, Variant: variant})
}

func (e *Engine) notifyError(title, description string) {
	e.notify(title, description, VariantDestructive)
}
