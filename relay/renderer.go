package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"aim-bot/annotation"
)

// Renderer edits report messages to show the latest annotation state.
// Render only queues work; Run performs the edits. States queued for the
// same identifier before the worker reaches it coalesce into the newest.
type Renderer struct {
	sender   Sender
	store    Store
	observer Observer
	chatID   int64

	mu     sync.Mutex
	latest map[annotation.Identifier]annotation.State
	order  []annotation.Identifier
	wake   chan struct{}
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithRenderObserver sets the edit observer.
func WithRenderObserver(o Observer) RendererOption {
	return func(r *Renderer) {
		r.observer = o
	}
}

// NewRenderer creates a renderer editing messages in chatID.
func NewRenderer(sender Sender, store Store, chatID int64, opts ...RendererOption) *Renderer {
	r := &Renderer{
		sender: sender,
		store:  store,
		chatID: chatID,
		latest: make(map[annotation.Identifier]annotation.State),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render queues st for id.
func (r *Renderer) Render(id annotation.Identifier, st annotation.State) {
	r.mu.Lock()
	if _, queued := r.latest[id]; !queued {
		r.order = append(r.order, id)
	}
	r.latest[id] = st
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Queued returns the number of identifiers waiting to be painted.
func (r *Renderer) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Run paints queued states until ctx is cancelled, then drains what is left.
func (r *Renderer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			r.Flush(drainCtx)
			cancel()
			return
		case <-r.wake:
			r.Flush(ctx)
		}
	}
}

// Flush paints every queued state and returns how many were painted.
func (r *Renderer) Flush(ctx context.Context) int {
	n := 0
	for {
		id, st, ok := r.next()
		if !ok {
			return n
		}
		r.paint(ctx, id, st)
		n++
	}
}

func (r *Renderer) next() (annotation.Identifier, annotation.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return "", annotation.State{}, false
	}
	id := r.order[0]
	r.order = r.order[1:]
	st := r.latest[id]
	delete(r.latest, id)
	return id, st, true
}

func (r *Renderer) paint(ctx context.Context, id annotation.Identifier, st annotation.State) {
	reports, err := r.store.ReportsByLink(ctx, string(id))
	if err != nil {
		slog.Warn("failed to load reports for render", "identifier", id, "error", err)
		return
	}

	for i := range reports {
		rep := &reports[i]
		err := r.sender.EditMessage(ctx, r.chatID, rep.TelegramMsgID, Message(rep, st))
		if r.observer != nil {
			r.observer.Edited(err == nil)
		}
		if err != nil {
			slog.Warn("failed to edit report", "identifier", id, "telegram_msg_id", rep.TelegramMsgID, "error", err)
		}
	}

	if err := r.store.SaveAnnotation(ctx, id, st); err != nil {
		slog.Warn("failed to save annotation", "identifier", id, "error", err)
	}
	slog.Debug("rendered annotation", "identifier", id, "messages", len(reports))
}
