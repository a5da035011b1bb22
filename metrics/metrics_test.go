package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"aim-bot/annotation"
)

func TestObserverMethods(t *testing.T) {
	m := New()

	m.PendingChanged(3)
	m.PendingChanged(1)
	m.Merged(annotation.KindFlags)
	m.Merged(annotation.KindFlags)
	m.Merged(annotation.KindWeight)
	m.FetchFailed("reasons")
	m.Event("ping")
	m.Reconnect()
	m.Relayed()
	m.Edited(true)
	m.Edited(false)

	if got := testutil.ToFloat64(m.pending); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.merges.WithLabelValues("flags")); got != 2 {
		t.Errorf("flags merges = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.fetchFailures.WithLabelValues("reasons")); got != 1 {
		t.Errorf("reasons failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.wsReconnects); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.edits.WithLabelValues("error")); got != 1 {
		t.Errorf("failed edits = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Merged(annotation.KindDeletion)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`aim_merges_total{kind="deletion"} 1`,
		"aim_pending_requests 0",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
