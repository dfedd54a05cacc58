// Package worker moves submitted reviews from pending through analysis to a
// terminal status.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/crv/internal/analyzer"
	"github.com/joescharf/crv/internal/metrics"
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/store"
)

// Queue abstracts the submission operations the worker needs.
type Queue interface {
	ClaimNextPending(ctx context.Context) (*store.Submission, error)
	CompleteSubmission(ctx context.Context, id string, ev models.Evaluation) (*store.StoredReview, error)
	FailSubmission(ctx context.Context, id, reason string) error
}

// Worker analyzes pending submissions one at a time.
type Worker struct {
	queue    Queue
	analyzer analyzer.Analyzer
	poll     time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithTimeout bounds a single analysis.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) { w.timeout = d }
}

// New creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func New(q Queue, a analyzer.Analyzer, pollInterval time.Duration, opts ...Option) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	w := &Worker{
		queue:    q,
		analyzer: a,
		poll:     pollInterval,
		timeout:  2 * time.Minute,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run polls for pending submissions until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "poll", w.poll)
	defer w.logger.Info("worker stopped")
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single submission. It returns true if a
// submission was processed, whether or not its analysis succeeded.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	sub, err := w.queue.ClaimNextPending(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming submission: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	log := w.logger.With("submission_id", sub.ID, "language", sub.Language)
	log.Debug("analysis started")

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, w.timeout)
	ev, err := w.analyzer.Analyze(actx, sub.Language, sub.Code)
	cancel()
	if err != nil {
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeFailed)
		log.Warn("analysis failed", "error", err)
		if failErr := w.queue.FailSubmission(ctx, sub.ID, err.Error()); failErr != nil {
			return true, fmt.Errorf("marking submission %s failed: %w", sub.ID, failErr)
		}
		return true, nil
	}

	rev, err := w.queue.CompleteSubmission(ctx, sub.ID, ev)
	if err != nil {
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeFailed)
		if failErr := w.queue.FailSubmission(ctx, sub.ID, err.Error()); failErr != nil {
			log.Error("failed to mark submission as failed", "error", failErr)
		}
		return true, fmt.Errorf("completing submission %s: %w", sub.ID, err)
	}
	metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeCompleted)
	log.Info("analysis completed", "review_id", rev.ID, "duration", time.Since(start))
	return true, nil
}
