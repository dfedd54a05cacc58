package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crv/internal/models"
)

func TestReviewParams_Defaults(t *testing.T) {
	v := Defaults().ReviewParams()
	assert.Equal(t, url.Values{"page": {"1"}, "page_size": {"20"}}, v)
}

func TestReviewParams_RustFromFive(t *testing.T) {
	c := Defaults()
	c.Language = "rust"
	c.ScoreMin = 5
	v := c.ReviewParams()
	assert.Equal(t, "rust", v.Get("language"))
	assert.Equal(t, "5", v.Get("min_score"))
	assert.False(t, v.Has("max_score"))
}

func TestReviewParams_ScoreBoundaries(t *testing.T) {
	tests := []struct {
		min, max         float64
		wantMin, wantMax string
	}{
		{0, 10, "", ""},
		{0, 9.5, "", "9.5"},
		{0.5, 10, "0.5", ""},
		{3, 7, "3", "7"},
		{0, 0, "", "0"},
		{10, 10, "10", ""},
		{5, 5, "5", "5"},
	}
	for _, tt := range tests {
		c := Defaults()
		c.ScoreMin, c.ScoreMax = tt.min, tt.max
		require.NoError(t, c.Validate())
		v := c.ReviewParams()

		assert.Equal(t, tt.wantMin != "", v.Has("min_score"), "min_score presence for [%g,%g]", tt.min, tt.max)
		assert.Equal(t, tt.wantMin, v.Get("min_score"))
		assert.Equal(t, tt.wantMax != "", v.Has("max_score"), "max_score presence for [%g,%g]", tt.min, tt.max)
		assert.Equal(t, tt.wantMax, v.Get("max_score"))
	}
}

func TestParams_DateRange(t *testing.T) {
	from := time.Date(2025, 1, 1, 15, 30, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	c := Defaults()
	c.From, c.To = &from, &to

	v := c.ReviewParams()
	assert.Equal(t, "2025-01-01T00:00:00Z", v.Get("start_date"))
	assert.Equal(t, "2025-01-31T23:59:59.999Z", v.Get("end_date"))

	s := c.StatsParams()
	assert.Equal(t, v.Get("start_date"), s.Get("start_date"))
	assert.Equal(t, v.Get("end_date"), s.Get("end_date"))
}

func TestStatsParams_OmitScoreAndPaging(t *testing.T) {
	c := Defaults()
	c.Language = "go"
	c.ScoreMin, c.ScoreMax = 2, 8
	c.Page = 3
	assert.Equal(t, url.Values{"language": {"go"}}, c.StatsParams())
}

func TestValidate(t *testing.T) {
	from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := map[string]func(*Criteria){
		"language":      func(c *Criteria) { c.Language = "cobol" },
		"min below 0":   func(c *Criteria) { c.ScoreMin = -1 },
		"max above 10":  func(c *Criteria) { c.ScoreMax = 11 },
		"inverted":      func(c *Criteria) { c.ScoreMin, c.ScoreMax = 8, 2 },
		"dates":         func(c *Criteria) { c.From, c.To = &from, &to },
		"page":          func(c *Criteria) { c.Page = 0 },
		"page size":     func(c *Criteria) { c.PageSize = 0 },
		"page size max": func(c *Criteria) { c.PageSize = MaxPageSize + 1 },
	}
	for name, mutate := range tests {
		c := Defaults()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
	assert.NoError(t, Defaults().Validate())
}

func TestKeys_Deterministic(t *testing.T) {
	a := Defaults()
	a.Language = "rust"
	a.ScoreMin = 5
	b := Defaults()
	b.ScoreMin = 5
	b.Language = "rust"

	assert.Equal(t, a.ListKey(), b.ListKey())
	assert.Equal(t, a.StatsKey(), b.StatsKey())

	b.ScoreMin = 6
	assert.NotEqual(t, a.ListKey(), b.ListKey())
	assert.Equal(t, a.StatsKey(), b.StatsKey(), "score range does not affect stats")
}

func TestQuery_ApplyAndReset(t *testing.T) {
	q := NewQuery(10)
	assert.Equal(t, 10, q.Applied().PageSize)

	q.Edit(func(c *Criteria) { c.Language = "rust" })
	assert.Equal(t, AllLanguages, q.Applied().Language, "edits are pending until applied")

	applied, err := q.Apply()
	require.NoError(t, err)
	assert.Equal(t, "rust", applied.Language)

	q.Edit(func(c *Criteria) { c.ScoreMin = 9; c.ScoreMax = 1 })
	_, err = q.Apply()
	assert.Error(t, err)
	assert.Equal(t, MinScore, q.Applied().ScoreMin, "invalid edits leave the active query alone")

	reset := q.Reset()
	assert.Equal(t, AllLanguages, reset.Language)
	assert.Equal(t, MinScore, reset.ScoreMin)
	assert.Equal(t, MaxScore, reset.ScoreMax)
	assert.Nil(t, reset.From)
	assert.Equal(t, reset, q.Pending())
}

type fakeSource struct {
	listCalls  atomic.Int32
	statsCalls atomic.Int32
	listErr    error
	statsErr   error

	mu     sync.Mutex
	params []url.Values
}

func (f *fakeSource) ListReviews(ctx context.Context, params url.Values) ([]models.Review, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	f.params = append(f.params, params)
	f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []models.Review{{ID: "a", Status: models.ReviewStatusCompleted, Language: "rust", Score: models.Float(7)}}, nil
}

func (f *fakeSource) Stats(ctx context.Context, params url.Values) (*models.Stats, error) {
	f.statsCalls.Add(1)
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &models.Stats{Total: 1, AvgScore: models.Float(7), CommonIssues: []string{"naming"}}, nil
}

func TestRunner_FetchesBothAndReuses(t *testing.T) {
	src := &fakeSource{}
	r := NewRunner(src)

	c := Defaults()
	c.Language = "rust"
	res, err := r.Run(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, res.Reviews, 1)
	require.NotNil(t, res.Stats)
	assert.Equal(t, 1, res.Stats.Total)
	assert.NoError(t, res.ListErr)
	assert.NoError(t, res.StatsErr)

	_, err = r.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.listCalls.Load())
	assert.Equal(t, int32(1), src.statsCalls.Load())

	c.Page = 2
	_, err = r.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.listCalls.Load())
	assert.Equal(t, int32(1), src.statsCalls.Load(), "stats key ignores paging")

	r.Invalidate()
	_, err = r.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.listCalls.Load())
}

func TestRunner_ReadFailuresAreIndependent(t *testing.T) {
	src := &fakeSource{statsErr: errors.New("HTTP 500: boom")}
	r := NewRunner(src)

	res, err := r.Run(context.Background(), Defaults())
	require.NoError(t, err)
	assert.Len(t, res.Reviews, 1)
	assert.Nil(t, res.Stats)
	require.Error(t, res.StatsErr)
	assert.Contains(t, res.StatsErr.Error(), "loading stats")

	// failures are not cached
	src.statsErr = nil
	res, err = r.Run(context.Background(), Defaults())
	require.NoError(t, err)
	assert.NotNil(t, res.Stats)
}

func TestRunner_InvalidCriteria(t *testing.T) {
	src := &fakeSource{}
	c := Defaults()
	c.ScoreMin = 11
	_, err := NewRunner(src).Run(context.Background(), c)
	assert.Error(t, err)
	assert.Equal(t, int32(0), src.listCalls.Load())
}

func TestRunner_TTLExpiry(t *testing.T) {
	src := &fakeSource{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRunner(src, WithTTL(time.Minute))
	r.now = func() time.Time { return now }

	_, _ = r.Run(context.Background(), Defaults())
	now = now.Add(2 * time.Minute)
	_, _ = r.Run(context.Background(), Defaults())
	assert.Equal(t, int32(2), src.listCalls.Load())
}

func TestExportCSV(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reviews := []models.Review{
		{ID: "a", Language: "python", Status: models.ReviewStatusCompleted, Score: models.Float(8.5), CreatedAt: created},
		{ID: "b,\"quoted\"", Language: "go", Status: models.ReviewStatusPending, CreatedAt: created},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, reviews))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "language", "status", "score", "created_at"}, rows[0])
	assert.Equal(t, []string{"a", "python", "completed", "8.5", "2025-03-01T10:00:00Z"}, rows[1])
	assert.Equal(t, []string{"b,\"quoted\"", "go", "pending", "", "2025-03-01T10:00:00Z"}, rows[2])
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("29/02/2024")
	assert.Error(t, err)
}
