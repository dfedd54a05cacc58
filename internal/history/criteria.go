// Package history turns history filters into backend queries and runs them.
package history

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/joescharf/crv/internal/models"
)

const (
	// AllLanguages disables the language filter.
	AllLanguages = "all"

	MinScore = 0.0
	MaxScore = 10.0

	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Criteria are the user-selected history filters.
type Criteria struct {
	Language string
	ScoreMin float64
	ScoreMax float64
	// From and To bound created_at by calendar day, inclusive.
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Defaults returns criteria matching every review: all languages, the full
// score range and no date bound.
func Defaults() Criteria {
	return Criteria{
		Language: AllLanguages,
		ScoreMin: MinScore,
		ScoreMax: MaxScore,
		Page:     1,
		PageSize: DefaultPageSize,
	}
}

// Validate reports the first invalid field.
func (c Criteria) Validate() error {
	if c.Language != AllLanguages && !models.IsLanguage(c.Language) {
		return fmt.Errorf("unsupported language %q", c.Language)
	}
	if c.ScoreMin < MinScore || c.ScoreMax > MaxScore {
		return fmt.Errorf("score range must be within [%g, %g]", MinScore, MaxScore)
	}
	if c.ScoreMin > c.ScoreMax {
		return errors.New("minimum score is greater than maximum score")
	}
	if c.From != nil && c.To != nil && c.From.After(*c.To) {
		return errors.New("from date is after to date")
	}
	if c.Page < 1 {
		return errors.New("page must be at least 1")
	}
	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", MaxPageSize)
	}
	return nil
}

// ReviewParams derives the list query. Only non-default filters are emitted;
// page and page_size are always present.
func (c Criteria) ReviewParams() url.Values {
	v := c.StatsParams()
	v.Set("page", strconv.Itoa(c.Page))
	v.Set("page_size", strconv.Itoa(c.PageSize))
	if c.ScoreMin > MinScore {
		v.Set("min_score", formatScore(c.ScoreMin))
	}
	if c.ScoreMax < MaxScore {
		v.Set("max_score", formatScore(c.ScoreMax))
	}
	return v
}

// StatsParams derives the aggregate query: language and date range only.
func (c Criteria) StatsParams() url.Values {
	v := url.Values{}
	if c.Language != "" && c.Language != AllLanguages {
		v.Set("language", c.Language)
	}
	if c.From != nil {
		v.Set("start_date", startOfDay(*c.From).Format(time.RFC3339Nano))
	}
	if c.To != nil {
		v.Set("end_date", endOfDay(*c.To).Format(time.RFC3339Nano))
	}
	return v
}

// ListKey identifies the list query. Equal criteria always produce equal keys.
func (c Criteria) ListKey() string {
	return hashKey("reviews?" + c.ReviewParams().Encode())
}

// StatsKey identifies the stats query. Criteria differing only in score range
// or page share a stats key.
func (c Criteria) StatsKey() string {
	return hashKey("stats?" + c.StatsParams().Encode())
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Millisecond)
}

// ParseDate parses a YYYY-MM-DD calendar date as UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
