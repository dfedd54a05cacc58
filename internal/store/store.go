package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/crv/internal/models"
)

// ErrNotFound is returned when a submission or review does not exist.
var ErrNotFound = errors.New("not found")

// Submission is one submitted snippet and its processing state.
type Submission struct {
	ID        string
	Language  string
	Code      string
	CodeHash  string
	ClientIP  string
	Status    models.ReviewStatus
	ReviewID  string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredReview is an evaluation document as persisted. Several submissions of
// identical code may share one stored review.
type StoredReview struct {
	ID           string `json:"_id"`
	SubmissionID string `json:"submission_id"`
	models.Evaluation
	CreatedAt time.Time `json:"created_at"`
}

// ReviewFilter selects submissions for listing. Score bounds apply after
// pagination; entries without a score are excluded when a bound is set.
type ReviewFilter struct {
	Language string
	Status   models.ReviewStatus
	Start    *time.Time
	End      *time.Time
	MinScore *float64
	MaxScore *float64
	Page     int
	PageSize int
}

// StatsFilter selects completed submissions for aggregation. Start is
// inclusive, End exclusive.
type StatsFilter struct {
	Language string
	Start    *time.Time
	End      *time.Time
}

// Store defines the persistence interface for the review backend.
type Store interface {
	// Submissions
	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	ClaimNextPending(ctx context.Context) (*Submission, error)
	CompleteSubmission(ctx context.Context, id string, ev models.Evaluation) (*StoredReview, error)
	FailSubmission(ctx context.Context, id, reason string) error

	// Reviews
	GetReview(ctx context.Context, id string) (*models.Review, error)
	GetStoredReview(ctx context.Context, reviewID string) (*StoredReview, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]models.Review, error)
	Stats(ctx context.Context, filter StatsFilter) (*models.Stats, error)

	// Dedupe
	LookupCodeHash(ctx context.Context, hash string) (string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
