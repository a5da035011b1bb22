package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"aim-bot/annotation"
)

const (
	channelName        = "ApiChannel"
	defaultReadTimeout = 60 * time.Second
)

// Listener receives every non-control frame on a channel.
type Listener func(env Envelope)

// CloseListener is told why an open connection closed.
type CloseListener func(reason error)

// Observer counts channel activity.
type Observer interface {
	Event(kind string)
	Reconnect()
}

// Sink receives decoration requests.
type Sink interface {
	Request(id annotation.Identifier, p annotation.Payload)
}

// RequestListener returns a listener that normalizes frames and forwards
// the resulting requests to sink. Malformed frames are dropped.
func RequestListener(sink Sink) Listener {
	return func(env Envelope) {
		reqs, err := Normalize(env)
		if err != nil {
			slog.Debug("dropping websocket message", "error", err)
			return
		}
		for _, r := range reqs {
			sink.Request(r.ID, r.Payload)
		}
	}
}

type subscribeCommand struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

func subscribeFor(key string) (subscribeCommand, error) {
	id, err := json.Marshal(struct {
		Channel string `json:"channel"`
		Key     string `json:"key"`
	}{channelName, key})
	if err != nil {
		return subscribeCommand{}, fmt.Errorf("encode identifier: %w", err)
	}
	return subscribeCommand{Command: "subscribe", Identifier: string(id)}, nil
}

// Channel is one auto-reconnecting subscription for an API key.
type Channel struct {
	url         string
	key         string
	dialer      *websocket.Dialer
	header      http.Header
	newBackOff  func() backoff.BackOff
	observer    Observer
	readTimeout time.Duration

	mu             sync.Mutex
	listeners      []Listener
	closeListeners []CloseListener
}

func (c *Channel) addListener(l Listener, cl CloseListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l != nil {
		c.listeners = append(c.listeners, l)
	}
	if cl != nil {
		c.closeListeners = append(c.closeListeners, cl)
	}
}

// run keeps the subscription open until ctx is done.
func (c *Channel) run(ctx context.Context) {
	bo := c.newBackOff()
	for {
		opened, err := c.session(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if opened {
			slog.Warn("websocket closed", "error", err)
			c.notifyClosed(err)
		} else {
			slog.Warn("websocket connect failed", "error", err)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			slog.Error("giving up on websocket", "url", c.url)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if c.observer != nil {
			c.observer.Reconnect()
		}
	}
}

func (c *Channel) session(ctx context.Context, bo backoff.BackOff) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cmd, err := subscribeFor(c.key)
	if err != nil {
		return true, err
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return true, fmt.Errorf("send subscribe: %w", err)
	}
	bo.Reset()
	slog.Info("websocket opened", "url", c.url)

	for {
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("undecodable websocket frame", "error", err)
			c.observe("invalid")
			continue
		}
		if env.IsControl() {
			c.observe(env.Type)
			continue
		}
		c.observe("message")
		c.deliver(env)
	}
}

func (c *Channel) observe(kind string) {
	if c.observer != nil {
		c.observer.Event(kind)
	}
}

func (c *Channel) deliver(env Envelope) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(env)
	}
}

func (c *Channel) notifyClosed(reason error) {
	c.mu.Lock()
	listeners := append([]CloseListener(nil), c.closeListeners...)
	c.mu.Unlock()

	for _, cl := range listeners {
		cl(reason)
	}
}

// Hub shares one Channel per API key between all watchers.
type Hub struct {
	url         string
	dialer      *websocket.Dialer
	header      http.Header
	newBackOff  func() backoff.BackOff
	observer    Observer
	readTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*Channel
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBackOff sets the reconnect policy factory.
func WithBackOff(f func() backoff.BackOff) HubOption {
	return func(h *Hub) {
		h.newBackOff = f
	}
}

// WithOrigin sets the Origin header sent on connect.
func WithOrigin(origin string) HubOption {
	return func(h *Hub) {
		h.header.Set("Origin", origin)
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) HubOption {
	return func(h *Hub) {
		h.observer = o
	}
}

// WithReadTimeout sets how long a silent connection is kept open.
func WithReadTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.readTimeout = d
		}
	}
}

// NewHub creates a hub for the websocket at url.
func NewHub(url string, opts ...HubOption) *Hub {
	h := &Hub{
		url:         url,
		dialer:      websocket.DefaultDialer,
		header:      http.Header{},
		newBackOff:  defaultBackOff,
		readTimeout: defaultReadTimeout,
		channels:    make(map[string]*Channel),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	return bo
}

// Watch attaches listeners to the subscription for key, opening it on first
// use. Listeners run in registration order on the channel's goroutine.
func (h *Hub) Watch(key string, l Listener, cl CloseListener) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[key]; ok {
		ch.addListener(l, cl)
		return ch
	}

	ch := &Channel{
		url:         h.url,
		key:         key,
		dialer:      h.dialer,
		header:      h.header.Clone(),
		newBackOff:  h.newBackOff,
		observer:    h.observer,
		readTimeout: h.readTimeout,
	}
	ch.addListener(l, cl)
	h.channels[key] = ch

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ch.run(h.ctx)
	}()
	return ch
}

// Close stops every channel and waits for them to exit.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}
