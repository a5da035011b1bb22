// Package reconcile matches decoration requests to relayed messages
// regardless of which arrives first.
package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"aim-bot/annotation"
)

// Decorator merges payloads into annotation state.
type Decorator interface {
	Merge(id annotation.Identifier, p annotation.Payload) annotation.State
}

// Renderer paints a merged state onto its target. Render must not block.
type Renderer interface {
	Render(id annotation.Identifier, st annotation.State)
}

// TargetChecker reports whether a target exists for an identifier that has
// not been announced through OnTargetResolved yet.
type TargetChecker interface {
	TargetExists(id annotation.Identifier) bool
}

// Observer receives queue and merge events, typically for metrics.
type Observer interface {
	PendingChanged(n int)
	Merged(kind annotation.Kind)
}

// Pending is a decoration request waiting for its target.
type Pending struct {
	ID         annotation.Identifier
	Payload    annotation.Payload
	EnqueuedAt time.Time
}

// Reconciler owns the pending queue. Requests and resolutions for one
// identifier are serialized, so a buffered request is applied exactly as it
// would have been had it arrived after the target.
type Reconciler struct {
	decorator Decorator
	renderer  Renderer
	targets   TargetChecker
	observer  Observer
	now       func() time.Time

	mu       sync.Mutex
	resolved map[annotation.Identifier]bool
	pending  map[annotation.Identifier][]Pending
	total    int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the time source used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithTargets sets a checker consulted before buffering a request.
func WithTargets(tc TargetChecker) Option {
	return func(r *Reconciler) {
		r.targets = tc
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) {
		r.observer = o
	}
}

// New creates a reconciler.
func New(d Decorator, rnd Renderer, opts ...Option) *Reconciler {
	r := &Reconciler{
		decorator: d,
		renderer:  rnd,
		now:       time.Now,
		resolved:  make(map[annotation.Identifier]bool),
		pending:   make(map[annotation.Identifier][]Pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request applies p to id now if its target is resolvable, otherwise it
// buffers the request until OnTargetResolved(id).
func (r *Reconciler) Request(id annotation.Identifier, p annotation.Payload) {
	if id == "" || p == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.resolved[id] && r.targets != nil && r.targets.TargetExists(id) {
		r.resolveLocked(id)
	}
	if r.resolved[id] {
		r.applyLocked(id, p)
		return
	}

	r.pending[id] = append(r.pending[id], Pending{ID: id, Payload: p, EnqueuedAt: r.now()})
	r.total++
	slog.Debug("queued decoration", "identifier", id, "kind", p.Kind(), "pending", r.total)
	r.pendingChangedLocked()
}

// OnTargetResolved drains every pending request for id in enqueue order and
// marks id resolved for the rest of the session.
func (r *Reconciler) OnTargetResolved(id annotation.Identifier) {
	if id == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved[id] {
		return
	}
	r.resolveLocked(id)
}

func (r *Reconciler) resolveLocked(id annotation.Identifier) {
	queue := r.pending[id]
	delete(r.pending, id)
	r.resolved[id] = true

	for _, pd := range queue {
		r.applyLocked(id, pd.Payload)
	}
	if len(queue) > 0 {
		r.total -= len(queue)
		slog.Debug("flushed decorations", "identifier", id, "count", len(queue))
		r.pendingChangedLocked()
	}
}

func (r *Reconciler) applyLocked(id annotation.Identifier, p annotation.Payload) {
	st := r.decorator.Merge(id, p)
	if r.observer != nil {
		r.observer.Merged(p.Kind())
	}
	if r.renderer != nil {
		r.renderer.Render(id, st)
	}
}

func (r *Reconciler) pendingChangedLocked() {
	if r.observer != nil {
		r.observer.PendingChanged(r.total)
	}
}

// Sweep drops pending requests older than ttl and returns how many were
// dropped. A non-positive ttl keeps everything.
func (r *Reconciler) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	dropped := 0
	for id, queue := range r.pending {
		kept := queue[:0]
		for _, pd := range queue {
			if pd.EnqueuedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, pd)
		}
		if len(kept) == 0 {
			delete(r.pending, id)
		} else {
			r.pending[id] = kept
		}
	}

	if dropped > 0 {
		r.total -= dropped
		slog.Info("expired pending decorations", "dropped", dropped, "remaining", r.total)
		r.pendingChangedLocked()
	}
	return dropped
}

// PendingCount returns the number of buffered requests.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// ResolvedCount returns the number of resolved identifiers.
func (r *Reconciler) ResolvedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolved)
}

// IsResolved reports whether id has been resolved.
func (r *Reconciler) IsResolved(id annotation.Identifier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[id]
}

// Resolved returns all resolved identifiers.
func (r *Reconciler) Resolved() []annotation.Identifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]annotation.Identifier, 0, len(r.resolved))
	for id := range r.resolved {
		ids = append(ids, id)
	}
	return ids
}
