// Package metrics holds the Prometheus collectors of the dev backend.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeAccepted labels submissions queued for analysis.
	OutcomeAccepted = "accepted"
	// OutcomeDeduped labels submissions answered from an earlier review.
	OutcomeDeduped = "deduped"
	// OutcomeRateLimited labels submissions rejected with 429.
	OutcomeRateLimited = "rate_limited"
	// OutcomeInvalid labels submissions rejected by validation.
	OutcomeInvalid = "invalid"

	// OutcomeCompleted labels analyses stored as completed.
	OutcomeCompleted = "completed"
	// OutcomeFailed labels analyses that marked the submission failed.
	OutcomeFailed = "failed"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "submissions_total",
			Help:      "Total number of review submissions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crv",
			Name:      "analyses_total",
			Help:      "Total number of analyses run by the worker, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crv",
			Name:      "analysis_seconds",
			Help:      "Analysis latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crv",
			Name:      "active_streams",
			Help:      "Number of open review status streams.",
		},
	)
)

// Register attaches the collectors to the supplied registerer. Collectors
// that are already registered are skipped.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		submissionsTotal,
		analysesTotal,
		analysisDurationSeconds,
		activeStreams,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSubmission counts one submission outcome.
func ObserveSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAnalysis records an analysis duration and outcome label.
func ObserveAnalysis(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeFailed {
		label = OutcomeCompleted
	}
	analysesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// StreamOpened increments the open stream gauge and returns the matching
// decrement.
func StreamOpened() func() {
	activeStreams.Inc()
	return activeStreams.Dec
}
