package history

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/crv/internal/models"
)

// DefaultTTL is how long a fetched result is reused for an identical query.
const DefaultTTL = 30 * time.Second

// Source is the backend read surface used by the runner.
type Source interface {
	ListReviews(ctx context.Context, params url.Values) ([]models.Review, error)
	Stats(ctx context.Context, params url.Values) (*models.Stats, error)
}

// Result is one history read. The list and the stats are fetched
// independently; either may fail without affecting the other.
type Result struct {
	Criteria Criteria
	Reviews  []models.Review
	Stats    *models.Stats
	ListErr  error
	StatsErr error
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Runner executes history queries, reusing results for identical keys.
type Runner struct {
	src    Source
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	lists map[string]entry[[]models.Review]
	stats map[string]entry[models.Stats]
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTTL sets the result reuse window. Zero disables reuse.
func WithTTL(d time.Duration) RunnerOption {
	return func(r *Runner) { r.ttl = d }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner reading from src.
func NewRunner(src Source, opts ...RunnerOption) *Runner {
	r := &Runner{
		src:    src,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
		lists:  make(map[string]entry[[]models.Review]),
		stats:  make(map[string]entry[models.Stats]),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run fetches the list and stats for c in parallel. It returns an error only
// for invalid criteria; read failures are reported in the Result.
func (r *Runner) Run(ctx context.Context, c Criteria) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	res := Result{Criteria: c}
	listKey, statsKey := c.ListKey(), c.StatsKey()

	var g errgroup.Group
	g.Go(func() error {
		if list, ok := r.cachedList(listKey); ok {
			res.Reviews = list
			return nil
		}
		list, err := r.src.ListReviews(ctx, c.ReviewParams())
		if err != nil {
			res.ListErr = fmt.Errorf("loading reviews: %w", err)
			return nil
		}
		r.storeList(listKey, list)
		res.Reviews = cloneReviews(list)
		return nil
	})
	g.Go(func() error {
		if st, ok := r.cachedStats(statsKey); ok {
			res.Stats = &st
			return nil
		}
		st, err := r.src.Stats(ctx, c.StatsParams())
		if err != nil {
			res.StatsErr = fmt.Errorf("loading stats: %w", err)
			return nil
		}
		r.storeStats(statsKey, *st)
		res.Stats = st
		return nil
	})
	_ = g.Wait()

	if res.ListErr != nil {
		r.logger.Warn("history list failed", "error", res.ListErr)
	}
	if res.StatsErr != nil {
		r.logger.Warn("history stats failed", "error", res.StatsErr)
	}
	return res, nil
}

// Invalidate drops every cached result.
func (r *Runner) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.lists)
	clear(r.stats)
}

func (r *Runner) fresh(at time.Time) bool {
	return r.ttl > 0 && r.now().Sub(at) < r.ttl
}

func (r *Runner) cachedList(key string) ([]models.Review, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lists[key]
	if !ok || !r.fresh(e.fetchedAt) {
		return nil, false
	}
	return cloneReviews(e.value), true
}

func (r *Runner) storeList(key string, list []models.Review) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists[key] = entry[[]models.Review]{value: cloneReviews(list), fetchedAt: r.now()}
}

func (r *Runner) cachedStats(key string) (models.Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.stats[key]
	if !ok || !r.fresh(e.fetchedAt) {
		return models.Stats{}, false
	}
	st := e.value
	st.CommonIssues = append([]string(nil), e.value.CommonIssues...)
	return st, true
}

func (r *Runner) storeStats(key string, st models.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.CommonIssues = append([]string(nil), st.CommonIssues...)
	r.stats[key] = entry[models.Stats]{value: st, fetchedAt: r.now()}
}

func cloneReviews(in []models.Review) []models.Review {
	out := make([]models.Review, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
