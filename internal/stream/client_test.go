package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crv/internal/models"
)

// staticURLs points every review at one test server path.
type staticURLs struct{ base string }

func (s staticURLs) StreamURL(id string, interval, ping time.Duration) string {
	return fmt.Sprintf("%s/api/reviews/%s/stream?interval_ms=%d&ping=%d", s.base, id, interval.Milliseconds(), ping.Milliseconds())
}

// recorder collects handler calls.
type recorder struct {
	mu       sync.Mutex
	statuses []models.ReviewStatus
	dones    []Done
	errs     []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStatus: func(s models.ReviewStatus) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnDone: func(d Done) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.dones = append(r.dones, d)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() ([]models.ReviewStatus, []Done, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ReviewStatus(nil), r.statuses...), append([]Done(nil), r.dones...), append([]error(nil), r.errs...)
}

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestConnect_StatusThenDone(t *testing.T) {
	body := "event: status\ndata: pending\n\n" +
		": ping\n\n" +
		"event: status\ndata: in_progress\n\n" +
		"event: done\ndata: {\"status\":\"completed\",\"review\":{\"id\":\"abc123\",\"status\":\"completed\",\"language\":\"python\",\"score\":8}}\n\n"
	srv := sseServer(t, body)

	rec := &recorder{}
	c := NewClient(staticURLs{srv.URL})
	conn, err := c.Connect(context.Background(), "abc123", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	statuses, dones, errs := rec.snapshot()
	assert.Equal(t, []models.ReviewStatus{models.ReviewStatusPending, models.ReviewStatusInProgress}, statuses)
	require.Len(t, dones, 1)
	assert.Empty(t, errs)
	assert.Equal(t, models.ReviewStatusCompleted, dones[0].Status)
	require.NotNil(t, dones[0].Review)
	assert.Equal(t, 8.0, *dones[0].Review.Score)
}

func TestConnect_ForwardsAdvisoryParams(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RawQuery
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"failed\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(staticURLs{srv.URL}, WithInterval(250*time.Millisecond), WithPing(0))
	conn, err := c.Connect(context.Background(), "x", Handlers{})
	require.NoError(t, err)
	waitClosed(t, conn)
	assert.Equal(t, "interval_ms=250&ping=0", got)
}

func TestConnect_UnknownStatusIgnored(t *testing.T) {
	body := "event: status\ndata: queued\n\n" +
		"event: status\ndata: \"in_progress\"\n\n" +
		"event: done\ndata: {\"status\":\"failed\"}\n\n"
	srv := sseServer(t, body)

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "id1", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	statuses, dones, errs := rec.snapshot()
	assert.Equal(t, []models.ReviewStatus{models.ReviewStatusInProgress}, statuses)
	require.Len(t, dones, 1)
	assert.Equal(t, models.ReviewStatusFailed, dones[0].Status)
	assert.Nil(t, dones[0].Review)
	assert.Nil(t, dones[0].Findings)
	assert.Empty(t, errs)
}

func TestConnect_MalformedDoneIsParseError(t *testing.T) {
	body := "event: status\ndata: in_progress\n\n" +
		"event: done\ndata: {\"score\":8}\n\n" +
		"event: status\ndata: completed\n\n"
	srv := sseServer(t, body)

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "id1", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	statuses, dones, errs := rec.snapshot()
	assert.Equal(t, []models.ReviewStatus{models.ReviewStatusInProgress}, statuses)
	assert.Empty(t, dones)
	require.Len(t, errs, 1)
	var se *Error
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, ErrorParse, se.Kind)
}

func TestConnect_DoneWithRawFindings(t *testing.T) {
	body := "event: done\ndata: {\"status\":\"completed\",\"review\":{\"_id\":\"r1\",\"submission_id\":\"abc\",\"score\":6,\"issues\":[{\"title\":\"t\"}],\"security\":[\"s\"],\"performance\":[],\"suggestions\":[\"x\"]}}\n\n"
	srv := sseServer(t, body)

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "abc", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	_, dones, errs := rec.snapshot()
	assert.Empty(t, errs)
	require.Len(t, dones, 1)
	assert.Nil(t, dones[0].Review)
	require.NotNil(t, dones[0].Findings)
	assert.Equal(t, 6.0, *dones[0].Findings.Score)
	assert.Len(t, dones[0].Findings.Issues, 1)
	assert.Equal(t, "s", dones[0].Findings.Security[0].Title)
}

func TestConnect_ServerErrorEvent(t *testing.T) {
	srv := sseServer(t, "event: error\ndata: not_found\n\n")

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "gone", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	_, dones, errs := rec.snapshot()
	assert.Empty(t, dones)
	require.Len(t, errs, 1)
	var se *Error
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, ErrorServer, se.Kind)
	assert.Equal(t, "not_found", se.Message)
}

func TestConnect_EOFBeforeDoneIsTransportError(t *testing.T) {
	srv := sseServer(t, "event: status\ndata: pending\n\n")

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "x", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	statuses, dones, errs := rec.snapshot()
	assert.Equal(t, []models.ReviewStatus{models.ReviewStatusPending}, statuses)
	assert.Empty(t, dones)
	require.Len(t, errs, 1)
	var se *Error
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, ErrorTransport, se.Kind)
}

func TestConnect_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "x", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	_, _, errs := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "502")
}

func TestConnect_DoneSuppressesLaterError(t *testing.T) {
	body := "event: done\ndata: {\"id\":\"a\",\"status\":\"completed\"}\n\n" +
		"event: error\ndata: late\n\n"
	srv := sseServer(t, body)

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "a", rec.handlers())
	require.NoError(t, err)
	waitClosed(t, conn)

	_, dones, errs := rec.snapshot()
	assert.Len(t, dones, 1)
	assert.Empty(t, errs)
}

func TestConn_CloseDetachesAndIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &recorder{}
	conn, err := NewClient(staticURLs{srv.URL}).Connect(context.Background(), "x", rec.handlers())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	waitClosed(t, conn)

	statuses, dones, errs := rec.snapshot()
	assert.Empty(t, statuses)
	assert.Empty(t, dones)
	assert.Empty(t, errs, "detaching must not surface an error")
}

func TestConnect_CloseFromHandler(t *testing.T) {
	srv := sseServer(t, "event: status\ndata: pending\n\nevent: status\ndata: in_progress\n\n")

	var conn *Conn
	var mu sync.Mutex
	var seen []models.ReviewStatus
	ready := make(chan struct{})
	h := Handlers{
		OnStatus: func(s models.ReviewStatus) {
			<-ready
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
			_ = conn.Close()
		},
		OnError: func(err error) { t.Errorf("unexpected error: %v", err) },
	}
	var err error
	conn, err = NewClient(staticURLs{srv.URL}).Connect(context.Background(), "x", h)
	require.NoError(t, err)
	close(ready)
	waitClosed(t, conn)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.ReviewStatus{models.ReviewStatusPending}, seen)
}

func TestConnect_EmptyID(t *testing.T) {
	_, err := NewClient(staticURLs{"http://unused"}).Connect(context.Background(), "", Handlers{})
	assert.Error(t, err)
}

func TestReader_Framing(t *testing.T) {
	rd := newReader(strings.NewReader(": hello\r\nevent: done\r\ndata: {\"a\":\r\ndata: 1}\r\n\r\ndata: plain\n\n"))

	ev, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", ev.Name)
	assert.Equal(t, "{\"a\":\n1}", ev.Data)

	ev, err = rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Name)
	assert.Equal(t, "plain", ev.Data)

	_, err = rd.Next()
	assert.Error(t, err)
}
