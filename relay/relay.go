// Package relay posts SmokeDetector reports to Telegram and keeps their
// annotation lines up to date.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"aim-bot/annotation"
	"aim-bot/chat"
	"aim-bot/storage"
)

// Store persists relayed reports and rendered states.
type Store interface {
	HasReport(ctx context.Context, chatMessageID int64) (bool, error)
	SaveReport(ctx context.Context, r *storage.Report) error
	ReportsByLink(ctx context.Context, link string) ([]storage.Report, error)
	SaveAnnotation(ctx context.Context, id annotation.Identifier, st annotation.State) error
	SetSetting(ctx context.Context, key, value string) error
}

// Resolver is told when a report message exists for an identifier.
type Resolver interface {
	OnTargetResolved(id annotation.Identifier)
}

// StateSource returns the current annotation state for an identifier.
type StateSource interface {
	Get(id annotation.Identifier) (annotation.State, bool)
}

// Observer counts relay activity.
type Observer interface {
	Relayed()
	Edited(ok bool)
}

// Relay posts new reports and announces them as decoration targets.
type Relay struct {
	sender   Sender
	store    Store
	resolver Resolver
	states   StateSource
	observer Observer
	chatID   int64
	now      func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithStates makes new messages start from the known state of their post.
func WithStates(s StateSource) Option {
	return func(r *Relay) {
		r.states = s
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		r.observer = o
	}
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// NewRelay creates a relay posting to chatID.
func NewRelay(sender Sender, store Store, resolver Resolver, chatID int64, opts ...Option) *Relay {
	r := &Relay{
		sender:   sender,
		store:    store,
		resolver: resolver,
		chatID:   chatID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Post relays one report. It returns false when the chat message was
// already relayed.
func (r *Relay) Post(ctx context.Context, rep chat.Report) (bool, error) {
	seen, err := r.store.HasReport(ctx, rep.MessageID)
	if err != nil {
		return false, fmt.Errorf("check report: %w", err)
	}
	if seen {
		return false, nil
	}

	report := &storage.Report{
		ChatMessageID: rep.MessageID,
		PostLink:      rep.PostLink,
		Reason:        rep.Reason,
		Title:         rep.Title,
		Site:          rep.Site,
		Author:        rep.UserName,
	}

	id := annotation.Identifier(rep.PostLink)
	var st annotation.State
	if r.states != nil {
		st, _ = r.states.Get(id)
	}

	msgID, err := r.sender.SendMessage(ctx, r.chatID, Message(report, st), true)
	if err != nil {
		return false, fmt.Errorf("send report: %w", err)
	}
	report.TelegramMsgID = msgID
	report.RelayedAt = r.now()

	if err := r.store.SaveReport(ctx, report); err != nil {
		return false, fmt.Errorf("save report: %w", err)
	}
	if err := r.store.SetSetting(ctx, storage.SettingLastMessageID, strconv.FormatInt(rep.MessageID, 10)); err != nil {
		slog.Warn("failed to save last message id", "message_id", rep.MessageID, "error", err)
	}

	slog.Info("relayed report", "identifier", id, "chat_message_id", rep.MessageID, "telegram_msg_id", msgID)
	if r.observer != nil {
		r.observer.Relayed()
	}
	if r.resolver != nil {
		r.resolver.OnTargetResolved(id)
	}
	return true, nil
}

// ReportLookup finds relayed reports by post link.
type ReportLookup interface {
	ReportsByLink(ctx context.Context, link string) ([]storage.Report, error)
}

// Targets answers whether a report message exists for an identifier.
type Targets struct {
	Reports ReportLookup
	Timeout time.Duration
}

// TargetExists reports whether any relayed report carries id.
func (t Targets) TargetExists(id annotation.Identifier) bool {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reports, err := t.Reports.ReportsByLink(ctx, string(id))
	if err != nil {
		slog.Warn("failed to look up reports", "identifier", id, "error", err)
		return false
	}
	return len(reports) > 0
}
