// Package chat reads SmokeDetector reports from a Stack Exchange chat room
// transcript.
package chat

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// SmokeyIDs maps each chat host to SmokeDetector's user ID there.
var SmokeyIDs = map[string]int64{
	"chat.stackexchange.com":      120914,
	"chat.stackoverflow.com":      3735529,
	"chat.meta.stackexchange.com": 266345,
}

var reportRegex = regexp.MustCompile(`\[ <a[^>]+>SmokeDetector</a>(?: \| <a[^>]+>MS</a>)? [^\]]+?] ([^:]+):(?: post \d+ out of \d+\):)? <a href="([^"]+)">(.+?)</a>.* by (?:<a href="[^"]+/u(sers)?/(\d+)">(.+?)</a>|a deleted user) on <code>([^<]+)</code>`)

var tagRegex = regexp.MustCompile(`<[^>]*>`)

// Report is one SmokeDetector report message.
type Report struct {
	MessageID int64
	PostLink  string
	Reason    string
	Title     string
	Site      string
	UserID    int64
	UserName  string
}

// ParseReport extracts a report from the inner HTML of a chat message. It
// returns false when the message is not a report.
func ParseReport(content string) (Report, bool) {
	m := reportRegex.FindStringSubmatch(content)
	if m == nil {
		return Report{}, false
	}

	r := Report{
		Reason:   strings.TrimSpace(html.UnescapeString(m[1])),
		PostLink: html.UnescapeString(m[2]),
		Title:    plainText(m[3]),
		UserName: plainText(m[6]),
		Site:     html.UnescapeString(m[7]),
	}
	if m[5] != "" {
		r.UserID, _ = strconv.ParseInt(m[5], 10, 64)
	}
	return r, true
}

func plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRegex.ReplaceAllString(s, "")))
}

// ParseTranscript returns the reports posted by smokeyID in a transcript
// page, oldest first.
func ParseTranscript(r io.Reader, smokeyID int64) ([]Report, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}

	var reports []Report
	selector := fmt.Sprintf(".monologue.user-%d .message", smokeyID)
	doc.Find(selector).Each(func(_ int, msg *goquery.Selection) {
		id, ok := messageID(msg)
		if !ok {
			return
		}
		content, err := msg.Find(".content").First().Html()
		if err != nil {
			return
		}
		report, ok := ParseReport(strings.TrimSpace(content))
		if !ok {
			return
		}
		report.MessageID = id
		reports = append(reports, report)
	})
	return reports, nil
}

func messageID(msg *goquery.Selection) (int64, bool) {
	attr, ok := msg.Attr("id")
	if !ok || !strings.HasPrefix(attr, "message-") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(attr, "message-"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Watcher polls a room transcript.
type Watcher struct {
	httpClient *http.Client
	baseURL    string
	roomID     int64
	smokeyID   int64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		w.httpClient.Timeout = d
	}
}

// WithBaseURL overrides the chat server URL (for testing).
func WithBaseURL(url string) Option {
	return func(w *Watcher) {
		w.baseURL = strings.TrimRight(url, "/")
	}
}

// NewWatcher creates a watcher for room on host.
func NewWatcher(host string, roomID, smokeyID int64, opts ...Option) *Watcher {
	w := &Watcher{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://" + host,
		roomID:     roomID,
		smokeyID:   smokeyID,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Poll fetches the current transcript page and returns its reports.
func (w *Watcher) Poll(ctx context.Context) ([]Report, error) {
	url := fmt.Sprintf("%s/transcript/%d", w.baseURL, w.roomID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; aim-bot/1.0)")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	reports, err := ParseTranscript(resp.Body, w.smokeyID)
	if err != nil {
		return nil, err
	}
	slog.Debug("polled transcript", "room", w.roomID, "reports", len(reports))
	return reports, nil
}
