package relay

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"time"
)

// Notifier receives failures from every component.
type Notifier interface {
	Notify(ctx context.Context, msg string, err error)
}

// LogNotifier logs failures.
type LogNotifier struct{}

// Notify logs msg at warn level.
func (LogNotifier) Notify(_ context.Context, msg string, err error) {
	slog.Warn(msg, "error", err)
}

// TelegramNotifier logs failures and posts them to an admin chat, at most
// once per interval for the same message.
type TelegramNotifier struct {
	sender   Sender
	chatID   int64
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewTelegramNotifier creates a notifier posting to chatID. With chatID 0
// failures are only logged.
func NewTelegramNotifier(sender Sender, chatID int64, interval time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		sender:   sender,
		chatID:   chatID,
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Notify logs msg and forwards it to the admin chat.
func (n *TelegramNotifier) Notify(ctx context.Context, msg string, err error) {
	LogNotifier{}.Notify(ctx, msg, err)
	if n.chatID == 0 || !n.allow(msg) {
		return
	}

	text := "⚠️ " + html.EscapeString(msg)
	if err != nil {
		text += fmt.Sprintf("\n<code>%s</code>", html.EscapeString(err.Error()))
	}
	if _, sendErr := n.sender.SendMessage(ctx, n.chatID, text, true); sendErr != nil {
		slog.Warn("failed to send admin notification", "error", sendErr)
	}
}

func (n *TelegramNotifier) allow(msg string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.last[msg]; ok && now.Sub(last) < n.interval {
		return false
	}
	n.last[msg] = now
	return true
}
