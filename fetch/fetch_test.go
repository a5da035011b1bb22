package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"aim-bot/annotation"
	"aim-bot/filter"
	"aim-bot/metasmoke"
)

type mockClient struct {
	mu       sync.Mutex
	pages    []metasmoke.Page[metasmoke.Post]
	listErr  error
	filters  []string
	pageReqs []int

	flags      map[int64]*metasmoke.FlagState
	flagsErr   error
	feedback   map[int64][]metasmoke.Feedback
	reasons    map[int64][]metasmoke.Reason
	reasonsErr error
	flagCalls  int
}

func (m *mockClient) PostsByURLs(ctx context.Context, links []string, filter string, page int) (*metasmoke.Page[metasmoke.Post], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	m.pageReqs = append(m.pageReqs, page)
	if m.listErr != nil {
		return nil, m.listErr
	}
	if page > len(m.pages) {
		return &metasmoke.Page[metasmoke.Post]{}, nil
	}
	p := m.pages[page-1]
	return &p, nil
}

func (m *mockClient) PostFlags(ctx context.Context, id int64) (*metasmoke.FlagState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagCalls++
	if m.flagsErr != nil {
		return nil, m.flagsErr
	}
	if f, ok := m.flags[id]; ok {
		return f, nil
	}
	return &metasmoke.FlagState{}, nil
}

func (m *mockClient) PostFeedback(ctx context.Context, id int64, filter string) ([]metasmoke.Feedback, error) {
	return m.feedback[id], nil
}

func (m *mockClient) PostReasons(ctx context.Context, id int64) ([]metasmoke.Reason, error) {
	if m.reasonsErr != nil {
		return nil, m.reasonsErr
	}
	return m.reasons[id], nil
}

type request struct {
	id annotation.Identifier
	p  annotation.Payload
}

type mockSink struct {
	mu       sync.Mutex
	requests []request
}

func (s *mockSink) Request(id annotation.Identifier, p annotation.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request{id, p})
}

func (s *mockSink) kinds(id annotation.Identifier) map[annotation.Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[annotation.Kind]int)
	for _, r := range s.requests {
		if r.id == id {
			out[r.p.Kind()]++
		}
	}
	return out
}

type mockNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *mockNotifier) Notify(ctx context.Context, msg string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

type mockObserver struct {
	mu     sync.Mutex
	failed map[string]int
}

func (o *mockObserver) FetchFailed(query string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failed == nil {
		o.failed = make(map[string]int)
	}
	o.failed[query]++
}

func post(id int64, link string, autoflagged bool) metasmoke.Post {
	return metasmoke.Post{ID: id, Link: link, Autoflagged: autoflagged}
}

func TestFetchBatchFollowsPagination(t *testing.T) {
	client := &mockClient{
		pages: []metasmoke.Page[metasmoke.Post]{
			{Items: []metasmoke.Post{post(1, "//a/1", false)}, HasMore: true},
			{Items: []metasmoke.Post{post(2, "//a/2", false), post(1, "//a/1", false)}, HasMore: true},
			{Items: []metasmoke.Post{post(3, "//a/3", false)}, HasMore: false},
			{Items: []metasmoke.Post{post(4, "//a/4", false)}},
		},
	}
	sink := &mockSink{}
	o := NewOrchestrator(client, sink, &mockNotifier{})

	stats := o.FetchBatch(context.Background(), []annotation.Identifier{"//a/1", "//a/2", "//a/3"})

	if stats.Pages != 3 {
		t.Errorf("Pages = %d, want 3", stats.Pages)
	}
	if stats.Items != 3 {
		t.Errorf("Items = %d, want 3", stats.Items)
	}
	if len(client.pageReqs) != 3 || client.pageReqs[2] != 3 {
		t.Errorf("page requests = %v, want [1 2 3]", client.pageReqs)
	}

	for _, id := range []annotation.Identifier{"//a/1", "//a/2", "//a/3"} {
		kinds := sink.kinds(id)
		if kinds[annotation.KindFlags] != 1 || kinds[annotation.KindFeedback] != 1 || kinds[annotation.KindWeight] != 1 {
			t.Errorf("%s payload kinds = %v, want one of each", id, kinds)
		}
	}
	if kinds := sink.kinds("//a/4"); len(kinds) != 0 {
		t.Errorf("page after has_more=false was processed: %v", kinds)
	}
}

func TestFetchBatchDetailQueries(t *testing.T) {
	deleted := "2024-01-01T00:00:00Z"
	client := &mockClient{
		pages: []metasmoke.Page[metasmoke.Post]{{Items: []metasmoke.Post{
			{ID: 10, Link: "//so/10", Autoflagged: true, DeletedAt: &deleted},
			post(11, "//so/11", false),
		}}},
		flags: map[int64]*metasmoke.FlagState{
			10: {Flagged: true, Users: []metasmoke.FlagUser{{ID: 5, Username: "mod"}}},
		},
		feedback: map[int64][]metasmoke.Feedback{
			10: {{FeedbackType: "tpu-", UserName: "a"}},
		},
		reasons: map[int64][]metasmoke.Reason{
			10: {{Weight: 50}, {Weight: 30}},
		},
	}
	sink := &mockSink{}
	o := NewOrchestrator(client, sink, &mockNotifier{}, WithConcurrency(2))

	o.FetchBatch(context.Background(), []annotation.Identifier{"//so/10", "//so/11"})

	if client.flagCalls != 1 {
		t.Errorf("flags queried %d times, want 1 (only autoflagged post)", client.flagCalls)
	}

	d := annotation.NewDecorator()
	for _, r := range sink.requests {
		d.Merge(r.id, r.p)
	}

	st, _ := d.Get("//so/10")
	if !st.Deleted || !st.Flagged || st.ReasonWeight != 80 {
		t.Errorf("state for 10 = %+v", st)
	}
	if len(st.FlaggedUsers) != 1 || st.FlaggedUsers[0].Name != "mod" {
		t.Errorf("flaggers = %+v", st.FlaggedUsers)
	}

	st, _ = d.Get("//so/11")
	if st.Flagged || st.Deleted || !st.Loaded {
		t.Errorf("state for 11 = %+v", st)
	}
}

func TestFetchBatchPartialFailure(t *testing.T) {
	client := &mockClient{
		pages:      []metasmoke.Page[metasmoke.Post]{{Items: []metasmoke.Post{post(1, "//a/1", true)}}},
		flagsErr:   errors.New("timeout"),
		reasonsErr: errors.New("500"),
		feedback:   map[int64][]metasmoke.Feedback{1: {{FeedbackType: "fp-", UserName: "b"}}},
	}
	sink := &mockSink{}
	notifier := &mockNotifier{}
	obs := &mockObserver{}
	o := NewOrchestrator(client, sink, notifier, WithObserver(obs))

	stats := o.FetchBatch(context.Background(), []annotation.Identifier{"//a/1"})

	if stats.Failures != 2 {
		t.Errorf("Failures = %d, want 2", stats.Failures)
	}
	if len(notifier.msgs) != 2 {
		t.Errorf("notifications = %v, want 2", notifier.msgs)
	}
	if obs.failed[QueryFlags] != 1 || obs.failed[QueryReasons] != 1 {
		t.Errorf("observed failures = %v", obs.failed)
	}
	if kinds := sink.kinds("//a/1"); kinds[annotation.KindFeedback] != 1 {
		t.Errorf("feedback blocked by sibling failures: %v", kinds)
	}
}

func TestFetchBatchListFailure(t *testing.T) {
	client := &mockClient{listErr: errors.New("connection reset")}
	notifier := &mockNotifier{}
	o := NewOrchestrator(client, &mockSink{}, notifier, WithBatchSize(1))

	stats := o.FetchBatch(context.Background(), []annotation.Identifier{"//a/1", "//a/2"})

	if stats.Failures != 2 || stats.Pages != 0 {
		t.Errorf("stats = %+v, want 2 failures and no pages", stats)
	}
	if len(client.pageReqs) != 2 {
		t.Errorf("list requests = %d, want one per chunk", len(client.pageReqs))
	}
}

func TestFetchBatchUsesFilter(t *testing.T) {
	fields := map[string]int{}
	for i, name := range append(append([]string{}, PostFields...), FeedbackFields...) {
		fields[name] = i
	}
	fm := filter.NewLoadedFieldMap(fields)
	want, err := filter.Encode(PostFields, fm)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	client := &mockClient{pages: []metasmoke.Page[metasmoke.Post]{{}}}
	o := NewOrchestrator(client, &mockSink{}, &mockNotifier{}, WithFieldMap(fm))

	o.FetchBatch(context.Background(), []annotation.Identifier{"//a/1"})

	if len(client.filters) != 1 || client.filters[0] != want {
		t.Errorf("filters = %v, want [%s]", client.filters, want)
	}
}

func TestFetchBatchWithoutFieldMap(t *testing.T) {
	client := &mockClient{pages: []metasmoke.Page[metasmoke.Post]{{}}}
	notifier := &mockNotifier{}
	o := NewOrchestrator(client, &mockSink{}, notifier, WithFieldMap(filter.NewLoadedFieldMap(map[string]int{"posts.id": 0})))

	o.FetchBatch(context.Background(), []annotation.Identifier{"//a/1"})

	if client.filters[0] != "" {
		t.Errorf("filter = %q, want unfiltered query", client.filters[0])
	}
	if len(notifier.msgs) == 0 {
		t.Error("missing field was not reported")
	}
}

func TestFetchBatchEmpty(t *testing.T) {
	client := &mockClient{}
	o := NewOrchestrator(client, &mockSink{}, &mockNotifier{})

	if stats := o.FetchBatch(context.Background(), nil); stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if len(client.pageReqs) != 0 {
		t.Error("empty batch issued requests")
	}
}
