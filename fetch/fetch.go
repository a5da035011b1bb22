// Package fetch loads annotation facts for batches of posts from the
// metasmoke REST API and feeds them to the reconciler.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"aim-bot/annotation"
	"aim-bot/filter"
	"aim-bot/metasmoke"
)

// Fields requested on post list queries.
var PostFields = []string{"posts.id", "posts.link", "posts.autoflagged", "posts.deleted_at"}

// Fields requested on feedback queries.
var FeedbackFields = []string{"feedbacks.feedback_type", "feedbacks.user_name", "feedbacks.user_id"}

// Detail query names, used for failure reporting.
const (
	QueryPosts    = "posts"
	QueryFlags    = "flags"
	QueryFeedback = "feedback"
	QueryReasons  = "reasons"
)

const maxListPages = 100

// Client is the subset of the metasmoke API the orchestrator uses.
type Client interface {
	PostsByURLs(ctx context.Context, links []string, filter string, page int) (*metasmoke.Page[metasmoke.Post], error)
	PostFlags(ctx context.Context, id int64) (*metasmoke.FlagState, error)
	PostFeedback(ctx context.Context, id int64, filter string) ([]metasmoke.Feedback, error)
	PostReasons(ctx context.Context, id int64) ([]metasmoke.Reason, error)
}

// Sink receives decoration requests.
type Sink interface {
	Request(id annotation.Identifier, p annotation.Payload)
}

// Notifier receives failures.
type Notifier interface {
	Notify(ctx context.Context, msg string, err error)
}

// Observer counts failed queries.
type Observer interface {
	FetchFailed(query string)
}

// Stats summarizes one FetchBatch call.
type Stats struct {
	Pages    int
	Items    int
	Failures int
}

// Orchestrator runs paginated list queries and per-post detail queries.
type Orchestrator struct {
	client      Client
	sink        Sink
	notifier    Notifier
	observer    Observer
	fields      *filter.FieldMap
	concurrency int
	batchSize   int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFieldMap enables filter tokens built from fm.
func WithFieldMap(fm *filter.FieldMap) Option {
	return func(o *Orchestrator) {
		o.fields = fm
	}
}

// WithConcurrency bounds the number of detail queries in flight.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBatchSize bounds the number of links per list query.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithObserver sets the failure observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(client Client, sink Sink, notifier Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		sink:        sink,
		notifier:    notifier,
		concurrency: 4,
		batchSize:   50,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FetchBatch loads every post in ids. Each list page is processed as soon as
// it arrives, and each post gets independent flag, feedback and weight
// queries. Failures are reported and abandon only their own branch.
func (o *Orchestrator) FetchBatch(ctx context.Context, ids []annotation.Identifier) Stats {
	var stats Stats
	if len(ids) == 0 {
		return stats
	}

	postFilter := o.filterToken(ctx, PostFields)
	feedbackFilter := o.filterToken(ctx, FeedbackFields)

	var failures atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.concurrency)

	seen := make(map[string]bool)
	links := uniqueLinks(ids)

	slog.Info("fetching batch", "links", len(links))

	for start := 0; start < len(links); start += o.batchSize {
		end := min(start+o.batchSize, len(links))
		chunk := links[start:end]

		for page := 1; page <= maxListPages; page++ {
			result, err := o.client.PostsByURLs(ctx, chunk, postFilter, page)
			if err != nil {
				o.fail(ctx, QueryPosts, "failed to load metasmoke post data", err)
				failures.Add(1)
				break
			}
			stats.Pages++

			for _, post := range result.Items {
				if post.Link == "" || seen[post.Link] {
					continue
				}
				seen[post.Link] = true
				stats.Items++
				o.dispatch(ctx, &g, &failures, post, feedbackFilter)
			}

			if !result.HasMore {
				break
			}
		}
	}

	g.Wait()
	stats.Failures = int(failures.Load())

	slog.Info("batch complete", "pages", stats.Pages, "items", stats.Items, "failures", stats.Failures)
	return stats
}

func (o *Orchestrator) dispatch(ctx context.Context, g *errgroup.Group, failures *atomic.Int64, post metasmoke.Post, feedbackFilter string) {
	id := annotation.Identifier(post.Link)

	if post.Deleted() {
		o.sink.Request(id, annotation.Deletion{})
	}

	if post.Autoflagged {
		g.Go(func() error {
			flags, err := o.client.PostFlags(ctx, post.ID)
			if err != nil {
				o.fail(ctx, QueryFlags, "failed to load metasmoke flag data", err)
				failures.Add(1)
				return nil
			}
			o.sink.Request(id, flags.Payload())
			return nil
		})
	} else {
		o.sink.Request(id, annotation.FlagInfo{Flagged: false})
	}

	g.Go(func() error {
		items, err := o.client.PostFeedback(ctx, post.ID, feedbackFilter)
		if err != nil {
			o.fail(ctx, QueryFeedback, "failed to load metasmoke feedback data", err)
			failures.Add(1)
			return nil
		}
		o.sink.Request(id, metasmoke.FeedbackPayload(items))
		return nil
	})

	g.Go(func() error {
		reasons, err := o.client.PostReasons(ctx, post.ID)
		if err != nil {
			o.fail(ctx, QueryReasons, "failed to load metasmoke reason data", err)
			failures.Add(1)
			return nil
		}
		o.sink.Request(id, annotation.Weight{Value: metasmoke.TotalWeight(reasons)})
		return nil
	})
}

// filterToken encodes required against the field map. Without a usable map
// the query runs unfiltered and the failure is reported.
func (o *Orchestrator) filterToken(ctx context.Context, required []string) string {
	if o.fields == nil {
		return ""
	}
	token, err := filter.Encode(required, o.fields)
	if err != nil {
		if !errors.Is(err, filter.ErrFieldMapUnavailable) || o.fields.State() == filter.Failed {
			o.notifier.Notify(ctx, "building metasmoke filter failed, querying without filter", err)
		}
		return ""
	}
	return token
}

func (o *Orchestrator) fail(ctx context.Context, query, msg string, err error) {
	if o.observer != nil {
		o.observer.FetchFailed(query)
	}
	o.notifier.Notify(ctx, msg, fmt.Errorf("%s query: %w", query, err))
}

func uniqueLinks(ids []annotation.Identifier) []string {
	seen := make(map[annotation.Identifier]bool, len(ids))
	links := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		links = append(links, string(id))
	}
	return links
}
