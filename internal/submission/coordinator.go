// Package submission drives one review submission from optimistic insert
// through backend acknowledgement and live status to a settled result.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/crv/internal/backend"
	"github.com/joescharf/crv/internal/cache"
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/stream"
)

// ErrBusy is returned by Submit while a cycle is submitting or streaming.
var ErrBusy = errors.New("a submission is already in flight")

const refreshTimeout = 10 * time.Second

// Backend is the subset of the review backend the coordinator calls.
type Backend interface {
	SubmitReview(ctx context.Context, req models.SubmitRequest) (*models.SubmitResponse, error)
	GetReview(ctx context.Context, id string) (*models.Review, error)
	ListReviews(ctx context.Context, params url.Values) ([]models.Review, error)
}

// Streamer opens review status streams.
type Streamer interface {
	Connect(ctx context.Context, id string, h stream.Handlers) (*stream.Conn, error)
}

// Draft is the code and language the user is about to submit.
type Draft struct {
	Language string
	Code     string
}

// Validate checks the draft before anything is written to the cache.
func (d Draft) Validate() error {
	if !models.IsLanguage(d.Language) {
		return fmt.Errorf("unsupported language %q", d.Language)
	}
	if strings.TrimSpace(d.Code) == "" {
		return errors.New("code is empty")
	}
	return nil
}

// Coordinator runs submission cycles against a shared cache. At most one
// stream connection is open per coordinator.
type Coordinator struct {
	backend Backend
	streams Streamer
	cache   *cache.Cache
	logger  *slog.Logger
	now     func() time.Time

	onNotice func(Notice)
	onState  func(State)

	mu        sync.Mutex
	gen       uint64
	state     State
	tempID    string
	id        string
	snapshot  cache.Snapshot
	conn      *stream.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	final     *signal
	finishing bool
	err       error

	// outbox holds callbacks queued under mu; flush delivers them in order
	// without holding mu.
	outbox  []func()
	flushMu sync.Mutex

	bg sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNotices registers a callback for user-facing notices.
func WithNotices(fn func(Notice)) Option {
	return func(c *Coordinator) { c.onNotice = fn }
}

// WithStateHook registers a callback invoked after every state change.
func WithStateHook(fn func(State)) Option {
	return func(c *Coordinator) { c.onState = fn }
}

// WithClock overrides the clock used for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates an idle coordinator writing to cache.
func New(b Backend, s Streamer, c *cache.Cache, opts ...Option) *Coordinator {
	co := &Coordinator{
		backend: b,
		streams: s,
		cache:   c,
		logger:  slog.Default(),
		now:     time.Now,
		state:   StateIdle,
		final:   newSignal(true),
	}
	for _, o := range opts {
		o(co)
	}
	return co
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the id tracked by the current cycle: the temporary id while
// submitting, the backend id afterwards, empty when idle.
func (c *Coordinator) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return c.id
	}
	return c.tempID
}

// Err returns the failure that ended the current cycle, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Submit starts a cycle for d. The optimistic entry is in the cache when
// Submit returns; the backend call completes in the background. It returns
// the temporary id.
func (c *Coordinator) Submit(ctx context.Context, d Draft) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.state == StateSubmitting || c.state == StateStreaming {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.detachLocked()

	gen := c.gen
	now := c.now().UTC()
	c.tempID = models.NewTempID()
	c.snapshot = c.cache.InsertOptimistic(models.Review{
		ID:        c.tempID,
		Status:    models.ReviewStatusPending,
		Language:  d.Language,
		CreatedAt: now,
		UpdatedAt: now,
	})
	cycleCtx, cancel := context.WithCancel(ctx)
	c.ctx, c.cancel = cycleCtx, cancel
	c.final = newSignal(false)
	tempID := c.tempID
	c.state = StateSubmitting
	c.queueStateLocked(StateSubmitting)
	c.mu.Unlock()
	c.flush()

	c.logger.Debug("submission started", "temp_id", tempID, "language", d.Language)

	go func() {
		resp, err := c.backend.SubmitReview(cycleCtx, models.SubmitRequest{Language: d.Language, Code: d.Code})
		if err != nil {
			c.dispatch(rejectEvent{gen: gen, err: err})
			return
		}
		c.dispatch(ackEvent{gen: gen, id: resp.ID, status: resp.Status})
	}()

	return tempID, nil
}

// Reset abandons the current cycle and returns to idle. Call it whenever the
// draft's code or language changes. Any open stream is closed; the cache
// entry for the abandoned review keeps its last observed state.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.detachLocked()
		c.queueStateLocked(StateIdle)
	} else {
		c.detachLocked()
	}
	c.mu.Unlock()
	c.flush()
}

// Wait blocks until the current cycle settles, errors, or is reset, and
// returns the state it reached.
func (c *Coordinator) Wait(ctx context.Context) (State, error) {
	c.mu.Lock()
	final := c.final
	c.mu.Unlock()

	select {
	case <-final.ch:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Close resets the coordinator and waits for background cache refreshes.
func (c *Coordinator) Close() {
	c.Reset()
	c.bg.Wait()
}

// detachLocked ends the current cycle: later events from it are discarded.
func (c *Coordinator) detachLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.ctx, c.cancel = nil, nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.final.fire()
	c.finishing = false
	c.state = StateIdle
	c.tempID = ""
	c.id = ""
	c.err = nil
}

// finishLocked marks the cycle final. Waiters are released by dispatch after
// the cycle's callbacks have been queued.
func (c *Coordinator) finishLocked() {
	c.finishing = true
}

// dispatch applies one event to the state machine. Callbacks run after the
// lock is released.
func (c *Coordinator) dispatch(ev event) {
	c.mu.Lock()
	if ev.generation() != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding event from abandoned cycle", "event", fmt.Sprintf("%T", ev))
		return
	}
	before := c.state
	var notices []Notice
	defer c.flush()

	switch e := ev.(type) {
	case ackEvent:
		if c.state == StateSubmitting {
			notices = append(notices, c.onAckLocked(e)...)
		}
	case rejectEvent:
		if c.state == StateSubmitting {
			notices = append(notices, c.onRejectLocked(e))
		}
	case statusEvent:
		if c.state == StateStreaming {
			c.cache.MergeStatus(c.id, e.status)
		}
	case doneEvent:
		if c.state == StateStreaming {
			c.onDoneLocked(e)
		}
	case fetchedEvent:
		if c.state == StateStreaming {
			c.onFetchedLocked(e)
		}
	case errorEvent:
		if c.state == StateStreaming {
			notices = append(notices, c.failLocked(e.err))
		}
	}
	for _, n := range notices {
		c.queueNoticeLocked(n)
	}
	if c.state != before {
		c.queueStateLocked(c.state)
	}
	if c.finishing {
		c.finishing = false
		c.outbox = append(c.outbox, c.final.fire)
	}
	c.mu.Unlock()
}

func (c *Coordinator) onAckLocked(e ackEvent) []Notice {
	status := e.status
	if !status.Valid() {
		status = models.ReviewStatusPending
	}
	c.cache.RemapIdentity(c.tempID, e.id, status)
	c.id = e.id
	c.logger.Debug("submission acknowledged", "temp_id", c.tempID, "review_id", e.id, "status", status)

	if c.conn != nil {
		_ = c.conn.Close()
	}
	gen := c.gen
	conn, err := c.streams.Connect(c.ctx, e.id, stream.Handlers{
		OnStatus: func(s models.ReviewStatus) { c.dispatch(statusEvent{gen: gen, status: s}) },
		OnDone:   func(d stream.Done) { c.dispatch(doneEvent{gen: gen, done: d}) },
		OnError:  func(err error) { c.dispatch(errorEvent{gen: gen, err: err}) },
	})
	if err != nil {
		return []Notice{c.failLocked(err)}
	}
	c.conn = conn
	c.state = StateStreaming
	return nil
}

func (c *Coordinator) onRejectLocked(e rejectEvent) Notice {
	c.cache.Rollback(c.snapshot)
	c.state = StateErrored
	c.err = e.err
	c.finishLocked()

	if backend.IsRateLimited(e.err) {
		c.logger.Info("submission rate limited", "temp_id", c.tempID)
		return rateLimitedNotice(e.err)
	}
	c.logger.Warn("submission rejected", "temp_id", c.tempID, "error", e.err)
	return submitFailedNotice(e.err)
}

func (c *Coordinator) onDoneLocked(e doneEvent) {
	c.conn = nil
	if r := e.done.Review; r != nil {
		c.settleLocked(*r)
		return
	}

	// The payload did not carry a full review: read it back by id.
	gen, id := c.gen, c.id
	ctx, cancel := context.WithTimeout(c.ctx, refreshTimeout)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer cancel()
		r, err := c.backend.GetReview(ctx, id)
		c.dispatch(fetchedEvent{gen: gen, done: e.done, review: r, err: err})
	}()
}

func (c *Coordinator) onFetchedLocked(e fetchedEvent) {
	if e.err == nil && e.review != nil && e.review.Status.Terminal() {
		c.settleLocked(*e.review)
		return
	}
	c.logger.Warn("point read after done did not return a terminal review",
		"review_id", c.id, "error", e.err)

	if f := e.done.Findings; f != nil {
		base, _ := c.cache.Get(c.id)
		c.settleLocked(f.Apply(base, e.done.Status))
		return
	}
	c.cache.MergeStatus(c.id, e.done.Status)
	c.state = StateSettled
	c.finishLocked()
	c.refresh()
}

func (c *Coordinator) settleLocked(r models.Review) {
	c.cache.MergeTerminal(c.id, r)
	c.state = StateSettled
	c.finishLocked()
	c.logger.Debug("review settled", "review_id", c.id, "status", r.Status)
	c.refresh()
}

// failLocked moves a streaming cycle to errored. The cached status is left as
// last observed.
func (c *Coordinator) failLocked(err error) Notice {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateErrored
	c.err = err
	c.finishLocked()
	c.logger.Warn("review stream failed", "review_id", c.id, "error", err)
	return streamNotice(err)
}

// refresh re-derives the cache from the backend's recent list. It runs in the
// background; failures leave the cache as it is.
func (c *Coordinator) refresh() {
	params := url.Values{}
	params.Set("page", "1")
	params.Set("page_size", strconv.Itoa(c.cache.Limit()))

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		list, err := c.backend.ListReviews(ctx, params)
		if err != nil {
			c.logger.Warn("recent reviews refresh failed", "error", err)
			return
		}
		c.cache.Reconcile(list)
	}()
}

func (c *Coordinator) queueNoticeLocked(n Notice) {
	if c.onNotice != nil {
		c.outbox = append(c.outbox, func() { c.onNotice(n) })
	}
}

func (c *Coordinator) queueStateLocked(s State) {
	if c.onState != nil {
		c.outbox = append(c.outbox, func() { c.onState(s) })
	}
}

// flush delivers queued callbacks in the order they were queued. When
// another goroutine, or a callback further up the stack, is already flushing,
// it delivers the new entries instead.
func (c *Coordinator) flush() {
	if !c.flushMu.TryLock() {
		return
	}
	for {
		c.mu.Lock()
		pending := c.outbox
		c.outbox = nil
		if len(pending) == 0 {
			c.flushMu.Unlock()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	}
}

// signal is a one-shot broadcast.
type signal struct {
	ch   chan struct{}
	once sync.Once
}

func newSignal(fired bool) *signal {
	s := &signal{ch: make(chan struct{})}
	if fired {
		s.fire()
	}
	return s
}

func (s *signal) fire() {
	s.once.Do(func() { close(s.ch) })
}
