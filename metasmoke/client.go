// Package metasmoke is a client for the metasmoke REST API.
package metasmoke

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://metasmoke.erwaysoftware.com"
	apiPrefix      = "/api/v2.0"

	feedbackPerPage = 20
	reasonsPerPage  = 30
	maxDetailPages  = 50
)

// Client provides access to the metasmoke API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	key        string
	writeToken string
	perPage    int

	mu    sync.Mutex
	posts map[string]Post
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithWriteToken sets the token used by write endpoints.
func WithWriteToken(token string) Option {
	return func(c *Client) {
		c.writeToken = token
	}
}

// WithPerPage sets the page size of post list queries.
func WithPerPage(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.perPage = n
		}
	}
}

// NewClient creates a metasmoke client authenticated with key.
func NewClient(key string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		key:        key,
		perPage:    10,
		posts:      make(map[string]Post),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CanWrite reports whether a write token is configured.
func (c *Client) CanWrite() bool {
	return c.writeToken != ""
}

// FilterFields returns the server's field name to bit index table.
func (c *Client) FilterFields(ctx context.Context) (map[string]int, error) {
	var fields map[string]int
	if err := c.get(ctx, "/api/filter_fields", nil, "", &fields); err != nil {
		return nil, fmt.Errorf("fetch filter fields: %w", err)
	}
	return fields, nil
}

// PostsByURLs lists the posts for links, one page at a time. filter is an
// already escaped token and may be empty.
func (c *Client) PostsByURLs(ctx context.Context, links []string, filter string, page int) (*Page[Post], error) {
	q := url.Values{}
	q.Set("urls", strings.Join(links, ","))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.perPage))

	var p Page[Post]
	if err := c.get(ctx, apiPrefix+"/posts/urls", q, filter, &p); err != nil {
		return nil, fmt.Errorf("list posts page %d: %w", page, err)
	}
	return &p, nil
}

type getPostOptions struct {
	forceReload bool
	filter      string
}

// GetPostOption configures GetPost lookups.
type GetPostOption func(*getPostOptions)

// WithForceReload bypasses the post cache.
func WithForceReload() GetPostOption {
	return func(o *getPostOptions) {
		o.forceReload = true
	}
}

// WithFilter sets the filter token for the lookup.
func WithFilter(filter string) GetPostOption {
	return func(o *getPostOptions) {
		o.filter = filter
	}
}

// GetPostByID returns a post by metasmoke ID, using the cache when possible.
func (c *Client) GetPostByID(ctx context.Context, id int64, opts ...GetPostOption) (*Post, error) {
	return c.getPost(ctx, "id:"+strconv.FormatInt(id, 10), fmt.Sprintf("%s/posts/%d", apiPrefix, id), nil, opts)
}

// GetPostByURL returns a post by its link, using the cache when possible.
func (c *Client) GetPostByURL(ctx context.Context, link string, opts ...GetPostOption) (*Post, error) {
	q := url.Values{}
	q.Set("urls", link)
	return c.getPost(ctx, "url:"+link, apiPrefix+"/posts/urls", q, opts)
}

func (c *Client) getPost(ctx context.Context, cacheKey, path string, q url.Values, opts []GetPostOption) (*Post, error) {
	var o getPostOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.forceReload {
		c.mu.Lock()
		cached, ok := c.posts[cacheKey]
		c.mu.Unlock()
		if ok {
			return &cached, nil
		}
	}

	var p Page[Post]
	if err := c.get(ctx, path, q, o.filter, &p); err != nil {
		return nil, fmt.Errorf("fetch post %s: %w", cacheKey, err)
	}
	if len(p.Items) == 0 || p.Items[0].ID == 0 {
		return nil, fmt.Errorf("fetch post %s: %w", cacheKey, ErrNoItem)
	}

	post := p.Items[0]
	c.mu.Lock()
	c.posts[cacheKey] = post
	c.mu.Unlock()
	return &post, nil
}

// PostFlags returns the autoflag state of a post.
func (c *Client) PostFlags(ctx context.Context, id int64) (*FlagState, error) {
	var p Page[struct {
		Autoflagged FlagState `json:"autoflagged"`
	}]
	if err := c.get(ctx, fmt.Sprintf("%s/posts/%d/flags", apiPrefix, id), nil, "", &p); err != nil {
		return nil, fmt.Errorf("fetch flags for post %d: %w", id, err)
	}
	if len(p.Items) == 0 {
		return nil, fmt.Errorf("fetch flags for post %d: %w", id, ErrNoItem)
	}
	return &p.Items[0].Autoflagged, nil
}

// PostFeedback returns all feedback on a post in server order.
func (c *Client) PostFeedback(ctx context.Context, id int64, filter string) ([]Feedback, error) {
	items, err := collect[Feedback](ctx, c, fmt.Sprintf("%s/feedbacks/post/%d", apiPrefix, id), filter, feedbackPerPage)
	if err != nil {
		return nil, fmt.Errorf("fetch feedback for post %d: %w", id, err)
	}
	return items, nil
}

// PostReasons returns all reasons attached to a post.
func (c *Client) PostReasons(ctx context.Context, id int64) ([]Reason, error) {
	items, err := collect[Reason](ctx, c, fmt.Sprintf("%s/posts/%d/reasons", apiPrefix, id), "", reasonsPerPage)
	if err != nil {
		return nil, fmt.Errorf("fetch reasons for post %d: %w", id, err)
	}
	return items, nil
}

func collect[T any](ctx context.Context, c *Client, path, filter string, perPage int) ([]T, error) {
	var all []T
	for page := 1; page <= maxDetailPages; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))

		var p Page[T]
		if err := c.get(ctx, path, q, filter, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Items...)
		if !p.HasMore {
			return all, nil
		}
	}
	return all, nil
}

// SendFeedback posts feedback of the given type ("tpu-", "fp-", ...) on a post.
func (c *Client) SendFeedback(ctx context.Context, id int64, feedbackType string) ([]Feedback, error) {
	q := url.Values{}
	q.Set("type", feedbackType)

	var p Page[Feedback]
	if err := c.post(ctx, fmt.Sprintf("/api/w/post/%d/feedback", id), q, &p); err != nil {
		return nil, fmt.Errorf("send feedback on post %d: %w", id, err)
	}
	return p.Items, nil
}

// ReportPost asks SmokeDetector to scan the post at link.
func (c *Client) ReportPost(ctx context.Context, link string) error {
	q := url.Values{}
	q.Set("post_link", link)

	if err := c.post(ctx, "/api/w/post/report", q, nil); err != nil {
		return fmt.Errorf("report post: %w", err)
	}
	return nil
}

// SpamFlag casts a spam flag on a post and returns the backoff the server
// requests before the next flag.
func (c *Client) SpamFlag(ctx context.Context, id int64) (time.Duration, error) {
	var out struct {
		Backoff float64 `json:"backoff"`
	}
	err := c.post(ctx, fmt.Sprintf("/api/w/post/%d/spam_flag", id), nil, &out)
	if err != nil {
		return 0, fmt.Errorf("spam flag post %d: %w", id, err)
	}
	return time.Duration(out.Backoff * float64(time.Second)), nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, filter string, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("key", c.key)

	raw := q.Encode()
	if filter != "" {
		// The token is already escaped; url.Values would escape it twice.
		raw += "&filter=" + filter
	}
	return c.do(ctx, http.MethodGet, c.baseURL+path+"?"+raw, out)
}

func (c *Client) post(ctx context.Context, path string, q url.Values, out any) error {
	if c.writeToken == "" {
		return ErrNoWriteToken
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("key", c.key)
	q.Set("token", c.writeToken)
	return c.do(ctx, http.MethodPost, c.baseURL+path+"?"+q.Encode(), out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrNetwork, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Name == "" {
		apiErr = &APIError{Name: "http_error", Message: strings.TrimSpace(string(body))}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		}
		if resp.StatusCode == http.StatusInternalServerError && strings.Contains(resp.Request.URL.Path, "/spam_flag") {
			apiErr.Name = "flag_failed"
		}
	}
	if apiErr.Code == 0 {
		apiErr.Code = resp.StatusCode
	}
	return apiErr
}
