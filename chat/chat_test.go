package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const transcriptHTML = `<!DOCTYPE html>
<html>
<body>
<div id="transcript">
  <div class="monologue user-120914">
    <div class="signature"><div class="username">SmokeDetector</div></div>
    <div class="messages">
      <div class="message" id="message-1001">
        <a name="1001" href="/transcript/11540?m=1001#1001"></a>
        <div class="content">[ <a href="//goo.gl/eLDYqh" rel="nofollow noopener noreferrer">SmokeDetector</a> | <a href="//metasmoke.erwaysoftware.com/post/1">MS</a> ] Bad keyword in body: <a href="//stackoverflow.com/questions/123">Buy cheap pills &amp; more</a> by <a href="//stackoverflow.com/users/456">spam guy</a> on <code>stackoverflow.com</code></div>
      </div>
      <div class="message" id="message-1002">
        <div class="content">Restart: API quota is 9000.</div>
      </div>
      <div class="message" id="message-1003">
        <div class="content">[ <a href="//goo.gl/eLDYqh">SmokeDetector</a> | <a href="//metasmoke.erwaysoftware.com/post/2">MS</a> ] Link at end of answer: <a href="//superuser.com/a/99">Answer to: foo</a> by a deleted user on <code>superuser.com</code></div>
      </div>
    </div>
  </div>
  <div class="monologue user-5">
    <div class="messages">
      <div class="message" id="message-1004">
        <div class="content">[ <a href="//goo.gl/x">SmokeDetector</a> | <a href="//x/post/3">MS</a> ] Fake: <a href="//a.com/q/1">t</a> by <a href="//a.com/users/1">u</a> on <code>a.com</code></div>
      </div>
    </div>
  </div>
</div>
</body>
</html>`

func TestParseTranscript(t *testing.T) {
	reports, err := ParseTranscript(strings.NewReader(transcriptHTML), 120914)
	if err != nil {
		t.Fatalf("ParseTranscript failed: %v", err)
	}

	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}

	first := reports[0]
	if first.MessageID != 1001 {
		t.Errorf("MessageID = %d, want 1001", first.MessageID)
	}
	if first.PostLink != "//stackoverflow.com/questions/123" {
		t.Errorf("PostLink = %q", first.PostLink)
	}
	if first.Reason != "Bad keyword in body" {
		t.Errorf("Reason = %q", first.Reason)
	}
	if first.Title != "Buy cheap pills & more" {
		t.Errorf("Title = %q", first.Title)
	}
	if first.UserID != 456 || first.UserName != "spam guy" {
		t.Errorf("user = %d %q", first.UserID, first.UserName)
	}
	if first.Site != "stackoverflow.com" {
		t.Errorf("Site = %q", first.Site)
	}

	second := reports[1]
	if second.MessageID != 1003 || second.UserID != 0 || second.UserName != "" {
		t.Errorf("deleted-user report = %+v", second)
	}
	if second.Title != "Answer to: foo" {
		t.Errorf("Title = %q", second.Title)
	}
}

func TestParseReportRejectsChatter(t *testing.T) {
	for _, content := range []string{
		"",
		"Restart: API quota is 9000.",
		`<a href="//stackoverflow.com/q/1">a link</a> by someone`,
	} {
		if _, ok := ParseReport(content); ok {
			t.Errorf("ParseReport(%q) matched", content)
		}
	}
}

func TestWatcherPoll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcript/11540" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent")
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(transcriptHTML))
	}))
	defer server.Close()

	w := NewWatcher("chat.stackexchange.com", 11540, SmokeyIDs["chat.stackexchange.com"],
		WithBaseURL(server.URL), WithTimeout(5*time.Second))

	reports, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(reports) != 2 {
		t.Errorf("got %d reports, want 2", len(reports))
	}
}

func TestWatcherPollHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	w := NewWatcher("chat.stackexchange.com", 1, 120914, WithBaseURL(server.URL))

	if _, err := w.Poll(context.Background()); err == nil {
		t.Error("expected error for 503")
	}
}
