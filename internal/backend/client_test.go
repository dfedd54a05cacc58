package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crv/internal/models"
)

func TestSubmitReview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/reviews", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req models.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "python", req.Language)
		assert.Equal(t, "print(1)", req.Code)

		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"id":"abc123","status":"pending"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	res, err := c.SubmitReview(context.Background(), models.SubmitRequest{Language: "python", Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.ID)
	assert.Equal(t, models.ReviewStatusPending, res.Status)
}

func TestSubmitReview_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"detail":"Rate limit exceeded (10 reviews/hour)"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.SubmitReview(context.Background(), models.SubmitRequest{Language: "go", Code: "x"})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "Rate limit exceeded")
}

func TestSubmitReview_OtherFailureNotRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SubmitReview(context.Background(), models.SubmitRequest{Language: "go", Code: "x"})
	require.Error(t, err)
	assert.False(t, IsRateLimited(err))
}

func TestSubmitReview_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.SubmitReview(context.Background(), models.SubmitRequest{Language: "go", Code: "x"})
	require.Error(t, err)
	assert.False(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "not reachable")
}

func TestGetReview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reviews/abc123", r.URL.Path)
		fmt.Fprint(w, `{"id":"abc123","status":"completed","language":"python",
			"created_at":"2025-03-01T10:00:00","updated_at":"2025-03-01T10:00:05.123456",
			"score":8,"issues":[{"title":"t","detail":"d","severity":"low","category":"style"}],
			"security":["no input validation"],"performance":[],"suggestions":["add tests"],"error":null}`)
	}))
	defer srv.Close()

	r, err := NewClient(srv.URL).GetReview(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusCompleted, r.Status)
	require.NotNil(t, r.Score)
	assert.Equal(t, 8.0, *r.Score)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), r.CreatedAt)
	require.Len(t, r.Security, 1)
	assert.Equal(t, "no input validation", r.Security[0].Title)
	assert.Equal(t, []string{"add tests"}, r.Suggestions)
	assert.Empty(t, r.Error)
}

func TestGetReview_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetReview(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListReviews_ForwardsQuery(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		fmt.Fprint(w, `[{"id":"a","status":"pending","language":"rust","created_at":"2025-03-01T10:00:00Z","updated_at":"2025-03-01T10:00:00Z"}]`)
	}))
	defer srv.Close()

	params := url.Values{"language": {"rust"}, "min_score": {"5"}}
	list, err := NewClient(srv.URL).ListReviews(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rust", got.Get("language"))
	assert.Equal(t, "5", got.Get("min_score"))
}

func TestStats_NilIssuesBecomeEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stats", r.URL.Path)
		fmt.Fprint(w, `{"total":0,"avg_score":null}`)
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL).Stats(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
	assert.Nil(t, st.AvgScore)
	assert.NotNil(t, st.CommonIssues)
}

func TestStreamURL(t *testing.T) {
	c := NewClient("http://localhost:8000")
	u := c.StreamURL("abc123", 800*time.Millisecond, 15*time.Second)
	assert.Equal(t, "http://localhost:8000/api/reviews/abc123/stream?interval_ms=800&ping=15000", u)
}
