// Package stream observes a review's status transitions over its server-push
// event stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/joescharf/crv/internal/models"
)

const (
	defaultInterval = 800 * time.Millisecond
	defaultPing     = 15 * time.Second
)

// ErrorKind classifies a stream failure.
type ErrorKind string

const (
	ErrorTransport ErrorKind = "transport"
	ErrorParse     ErrorKind = "parse"
	ErrorServer    ErrorKind = "server"
)

// Error is delivered to Handlers.OnError. No stream error is fatal; the
// connection is closed and the last observed state stays valid.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream %s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("stream %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Handlers receive normalized stream signals. Status calls arrive in receipt
// order; at most one of OnDone or OnError is called per connection.
type Handlers struct {
	OnStatus func(models.ReviewStatus)
	OnDone   func(Done)
	OnError  func(error)
}

// URLBuilder yields the per-review stream endpoint.
type URLBuilder interface {
	StreamURL(id string, interval, ping time.Duration) string
}

// Client opens review streams.
type Client struct {
	urls       URLBuilder
	httpClient *http.Client
	interval   time.Duration
	ping       time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. It must not set a Timeout, which
// would cut long-lived streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithInterval sets the advisory server poll interval.
func WithInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithPing sets the advisory keep-alive ping interval. Zero disables pings.
func WithPing(d time.Duration) Option {
	return func(c *Client) { c.ping = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a stream client resolving endpoints through urls.
func NewClient(urls URLBuilder, opts ...Option) *Client {
	c := &Client{
		urls:       urls,
		httpClient: &http.Client{},
		interval:   defaultInterval,
		ping:       defaultPing,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens exactly one connection for review id and returns immediately.
// Signals are delivered from a background goroutine until a terminal signal,
// a transport failure, ctx cancellation, or Close.
func (c *Client) Connect(ctx context.Context, id string, h Handlers) (*Conn, error) {
	if id == "" {
		return nil, errors.New("stream: empty review id")
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		id:       id,
		url:      c.urls.StreamURL(id, c.interval, c.ping),
		cancel:   cancel,
		handlers: h,
		done:     make(chan struct{}),
		logger:   c.logger.With("review_id", id),
	}
	go conn.run(ctx, c.httpClient)
	return conn, nil
}

// Conn is a single open review stream.
type Conn struct {
	id       string
	url      string
	cancel   context.CancelFunc
	handlers Handlers
	logger   *slog.Logger

	closed   atomic.Bool
	terminal atomic.Bool
	done     chan struct{}
}

// ID returns the review id this connection observes.
func (c *Conn) ID() string { return c.id }

// Close detaches from the stream. It is safe to call more than once and from
// within a handler; after Close no further handler call begins.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
	return nil
}

// Done is closed once the underlying connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) run(ctx context.Context, hc *http.Client) {
	defer close(c.done)
	defer c.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.fail(&Error{Kind: ErrorTransport, Message: "building request", Err: err})
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(&Error{Kind: ErrorTransport, Message: "connecting", Err: err})
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.fail(&Error{Kind: ErrorTransport, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)})
		return
	}

	c.logger.Debug("stream opened")
	rd := newReader(resp.Body)
	for {
		ev, err := rd.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				c.fail(&Error{Kind: ErrorTransport, Message: "stream ended before done"})
			} else {
				c.fail(&Error{Kind: ErrorTransport, Message: "reading stream", Err: err})
			}
			return
		}
		if c.handle(ev) {
			return
		}
	}
}

// handle dispatches one event and reports whether it was terminal.
func (c *Conn) handle(ev event) bool {
	switch ev.Name {
	case "status":
		status, ok := parseStatus(ev.Data)
		if !ok {
			c.logger.Debug("ignoring unknown status", "data", ev.Data)
			return false
		}
		if c.closed.Load() || c.handlers.OnStatus == nil {
			return false
		}
		c.handlers.OnStatus(status)
		return false

	case "done":
		d, err := parseDone(ev.Data)
		if err != nil {
			c.fail(&Error{Kind: ErrorParse, Message: "invalid done payload", Err: err})
			return true
		}
		if c.closed.Load() || !c.terminal.CompareAndSwap(false, true) {
			return true
		}
		c.logger.Debug("stream done", "status", d.Status)
		if c.handlers.OnDone != nil {
			c.handlers.OnDone(d)
		}
		return true

	case "error":
		msg, _ := parseErrorText(ev.Data)
		c.fail(&Error{Kind: ErrorServer, Message: msg})
		return true

	default:
		return false
	}
}

func (c *Conn) fail(err *Error) {
	if c.closed.Load() || !c.terminal.CompareAndSwap(false, true) {
		return
	}
	c.logger.Debug("stream failed", "kind", err.Kind, "error", err)
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}
