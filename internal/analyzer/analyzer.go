// Package analyzer produces evaluations of submitted code for the dev backend.
package analyzer

import (
	"context"
	"math"

	"github.com/joescharf/crv/internal/models"
)

// Analyzer evaluates one snippet.
type Analyzer interface {
	Analyze(ctx context.Context, language, code string) (models.Evaluation, error)
}

// Func adapts a function to the Analyzer interface.
type Func func(ctx context.Context, language, code string) (models.Evaluation, error)

func (f Func) Analyze(ctx context.Context, language, code string) (models.Evaluation, error) {
	return f(ctx, language, code)
}

// clampScore keeps a score on the 1-10 scale, rounded to an integer.
func clampScore(v float64) float64 {
	return math.Max(1, math.Min(10, math.Round(v)))
}

// normalize fills empty sections so stored evaluations always carry arrays.
func normalize(ev models.Evaluation) models.Evaluation {
	if ev.Score != nil {
		ev.Score = models.Float(clampScore(*ev.Score))
	}
	if ev.Issues == nil {
		ev.Issues = []models.Finding{}
	}
	if ev.Security == nil {
		ev.Security = []models.Finding{}
	}
	if ev.Performance == nil {
		ev.Performance = []models.Finding{}
	}
	if ev.Suggestions == nil {
		ev.Suggestions = []string{}
	}
	return ev
}
