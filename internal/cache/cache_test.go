package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/crv/internal/models"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func review(id string, status models.ReviewStatus, age time.Duration) models.Review {
	return models.Review{
		ID:        id,
		Status:    status,
		Language:  "python",
		CreatedAt: t0.Add(-age),
		UpdatedAt: t0.Add(-age),
	}
}

func ids(rs []models.Review) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func fixedClock() func() time.Time {
	return func() time.Time { return t0 }
}

func TestNew_DefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, New(0).Limit())
	assert.Equal(t, 3, New(3).Limit())
}

func TestInsertOptimistic_PrependsAndTruncates(t *testing.T) {
	c := New(3)
	for i := 0; i < 5; i++ {
		c.InsertOptimistic(review(fmt.Sprintf("r%d", i), models.ReviewStatusPending, 0))
	}
	assert.Equal(t, []string{"r4", "r3", "r2"}, ids(c.List()))
	assert.Equal(t, 3, c.Len())
}

func TestInsertOptimistic_ReturnsPreInsertSnapshot(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("a", models.ReviewStatusCompleted, time.Minute))
	before := c.Snapshot()

	snap := c.InsertOptimistic(review("temp-1", models.ReviewStatusPending, 0))
	assert.Empty(t, cmp.Diff(before.Reviews(), snap.Reviews()))
	assert.Equal(t, 2, c.Len())
}

func TestRollback_RestoresExactly(t *testing.T) {
	c := New(2)
	c.InsertOptimistic(review("a", models.ReviewStatusCompleted, 2*time.Minute))
	c.InsertOptimistic(review("b", models.ReviewStatusFailed, time.Minute))
	want := c.List()

	snap := c.InsertOptimistic(review("temp-1", models.ReviewStatusPending, 0))
	assert.Equal(t, []string{"temp-1", "b"}, ids(c.List()), "optimistic insert evicts the oldest")

	c.Rollback(snap)
	assert.Empty(t, cmp.Diff(want, c.List()))
}

func TestRemapIdentity(t *testing.T) {
	c := New(5, WithClock(fixedClock()))
	c.InsertOptimistic(review("old", models.ReviewStatusCompleted, time.Minute))
	c.InsertOptimistic(review("temp-1", models.ReviewStatusPending, 0))

	require.True(t, c.RemapIdentity("temp-1", "abc123", models.ReviewStatusPending))
	assert.Equal(t, []string{"abc123", "old"}, ids(c.List()), "position is kept")
	_, ok := c.Get("temp-1")
	assert.False(t, ok)

	r, ok := c.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, models.ReviewStatusPending, r.Status)
	assert.Equal(t, "python", r.Language)
}

func TestRemapIdentity_Idempotent(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("temp-1", models.ReviewStatusPending, 0))
	require.True(t, c.RemapIdentity("temp-1", "abc123", models.ReviewStatusPending))
	after := c.List()
	v := c.Version()

	assert.False(t, c.RemapIdentity("temp-1", "abc123", models.ReviewStatusPending))
	assert.Empty(t, cmp.Diff(after, c.List()))
	assert.Equal(t, v, c.Version())
}

func TestRemapIdentity_StatusOnlyAdvances(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("temp-1", models.ReviewStatusPending, 0))
	require.True(t, c.MergeStatus("temp-1", models.ReviewStatusInProgress))
	require.True(t, c.RemapIdentity("temp-1", "abc", models.ReviewStatusPending))

	r, _ := c.Get("abc")
	assert.Equal(t, models.ReviewStatusInProgress, r.Status)
}

func TestRemapIdentity_RealIDAlreadyCached(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("abc", models.ReviewStatusPending, time.Minute))
	c.InsertOptimistic(review("temp-1", models.ReviewStatusPending, 0))

	require.True(t, c.RemapIdentity("temp-1", "abc", models.ReviewStatusCompleted))
	assert.Equal(t, []string{"abc"}, ids(c.List()))
	r, _ := c.Get("abc")
	assert.Equal(t, models.ReviewStatusCompleted, r.Status)
}

func TestMergeStatus(t *testing.T) {
	c := New(5, WithClock(fixedClock()))
	c.InsertOptimistic(review("a", models.ReviewStatusPending, time.Hour))

	assert.True(t, c.MergeStatus("a", models.ReviewStatusInProgress))
	r, _ := c.Get("a")
	assert.Equal(t, models.ReviewStatusInProgress, r.Status)
	assert.Equal(t, t0, r.UpdatedAt)

	assert.False(t, c.MergeStatus("a", models.ReviewStatusPending), "never regress")
	assert.False(t, c.MergeStatus("a", models.ReviewStatusInProgress), "same status is a no-op")
	assert.False(t, c.MergeStatus("missing", models.ReviewStatusCompleted))

	assert.True(t, c.MergeStatus("a", models.ReviewStatusFailed))
	assert.False(t, c.MergeStatus("a", models.ReviewStatusCompleted), "terminal is final")
}

func TestMergeStatus_UpdatedAtNeverDecreases(t *testing.T) {
	c := New(5, WithClock(func() time.Time { return t0.Add(-time.Hour) }))
	c.InsertOptimistic(review("a", models.ReviewStatusPending, 0))

	require.True(t, c.MergeStatus("a", models.ReviewStatusInProgress))
	r, _ := c.Get("a")
	assert.True(t, r.UpdatedAt.After(t0))
}

func TestMergeTerminal(t *testing.T) {
	c := New(5, WithClock(fixedClock()))
	c.InsertOptimistic(review("b", models.ReviewStatusCompleted, time.Hour))
	c.InsertOptimistic(review("a", models.ReviewStatusInProgress, 0))

	full := models.Review{
		ID:       "ignored",
		Status:   models.ReviewStatusCompleted,
		Score:    models.Float(8),
		Issues:   []models.Finding{{Title: "unused import", Severity: models.SeverityLow, Category: "style"}},
		Security: []models.Finding{},
	}
	require.True(t, c.MergeTerminal("a", full))

	list := c.List()
	assert.Equal(t, []string{"a", "b"}, ids(list))
	assert.Equal(t, models.ReviewStatusCompleted, list[0].Status)
	assert.Equal(t, 8.0, *list[0].Score)
	assert.Equal(t, "python", list[0].Language, "missing fields keep cached values")
	assert.Equal(t, t0, list[0].CreatedAt)
}

func TestMergeTerminal_RejectsNonTerminal(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("a", models.ReviewStatusPending, 0))
	assert.False(t, c.MergeTerminal("a", review("a", models.ReviewStatusInProgress, 0)))
	assert.False(t, c.MergeTerminal("missing", review("missing", models.ReviewStatusCompleted, 0)))
}

func TestMergeTerminal_OverwritesTerminal(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("a", models.ReviewStatusFailed, 0))

	done := review("a", models.ReviewStatusCompleted, 0)
	done.Score = models.Float(3)
	require.True(t, c.MergeTerminal("a", done))
	r, _ := c.Get("a")
	assert.Equal(t, models.ReviewStatusCompleted, r.Status)
}

func TestReconcile(t *testing.T) {
	c := New(3)
	c.InsertOptimistic(review("a", models.ReviewStatusCompleted, 3*time.Minute))
	c.InsertOptimistic(review("b", models.ReviewStatusInProgress, 2*time.Minute))
	c.InsertOptimistic(review("temp-9", models.ReviewStatusPending, 0))

	c.Reconcile([]models.Review{
		review("c", models.ReviewStatusCompleted, time.Minute),
		review("b", models.ReviewStatusPending, 2*time.Minute),
		review("a", models.ReviewStatusCompleted, 3*time.Minute),
	})

	list := c.List()
	assert.Equal(t, []string{"temp-9", "c", "b"}, ids(list))
	assert.Equal(t, models.ReviewStatusInProgress, list[2].Status, "stale authoritative status does not regress")
}

func TestReconcile_TakesAuthoritativeProgress(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("a", models.ReviewStatusPending, 0))

	done := review("a", models.ReviewStatusCompleted, 0)
	done.Score = models.Float(9)
	c.Reconcile([]models.Review{done})

	r, _ := c.Get("a")
	assert.Equal(t, models.ReviewStatusCompleted, r.Status)
	assert.Equal(t, 9.0, *r.Score)
}

func TestSnapshot_Immutable(t *testing.T) {
	c := New(5)
	r := review("a", models.ReviewStatusPending, 0)
	r.Suggestions = []string{"x"}
	c.InsertOptimistic(r)

	snap := c.Snapshot()
	got := snap.Reviews()
	got[0].Suggestions[0] = "mutated"
	c.MergeStatus("a", models.ReviewStatusCompleted)

	again := snap.Reviews()
	assert.Equal(t, "x", again[0].Suggestions[0])
	assert.Equal(t, models.ReviewStatusPending, again[0].Status)
}

func TestSubscribe_Coalesces(t *testing.T) {
	c := New(5)
	ch, cancel := c.Subscribe()
	defer cancel()

	c.InsertOptimistic(review("a", models.ReviewStatusPending, 0))
	c.MergeStatus("a", models.ReviewStatusInProgress)

	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	cancel()
	c.MergeStatus("a", models.ReviewStatusCompleted)
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a signal")
	default:
	}
}

// Random sequences of stream, remap and reconcile operations never move an
// entry's status backwards and never exceed the limit.
func TestProperty_MonotoneAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := models.ReviewStatuses

	for round := 0; round < 200; round++ {
		c := New(4)
		seen := map[string]models.ReviewStatus{}
		nextID := 0

		for step := 0; step < 60; step++ {
			switch rng.Intn(5) {
			case 0:
				id := fmt.Sprintf("temp-%d", nextID)
				nextID++
				c.InsertOptimistic(review(id, models.ReviewStatusPending, -time.Duration(step)*time.Second))
			case 1, 2:
				list := c.List()
				if len(list) == 0 {
					continue
				}
				c.MergeStatus(list[rng.Intn(len(list))].ID, statuses[rng.Intn(len(statuses))])
			case 3:
				list := c.List()
				if len(list) == 0 {
					continue
				}
				from := list[rng.Intn(len(list))].ID
				c.RemapIdentity(from, fmt.Sprintf("real-%s", from), statuses[rng.Intn(2)])
			case 4:
				var auth []models.Review
				for _, r := range c.List() {
					a := r.Clone()
					a.Status = statuses[rng.Intn(len(statuses))]
					auth = append(auth, a)
				}
				c.Reconcile(auth)
			}

			list := c.List()
			require.LessOrEqual(t, len(list), 4)
			for _, r := range list {
				key := r.ID
				if prev, ok := seen[key]; ok && prev.Terminal() {
					require.Equal(t, prev, r.Status, "terminal status changed for %s", key)
				} else if ok {
					require.False(t, r.Status.Advances(prev) && r.Status != prev, "status regressed for %s: %s -> %s", key, prev, r.Status)
				}
				seen[key] = r.Status
			}
		}
	}
}

// Concurrent readers only ever observe the pre- or post-remap id, never both
// and never neither.
func TestRemapIdentity_AtomicForReaders(t *testing.T) {
	c := New(5)
	c.InsertOptimistic(review("temp-1", models.ReviewStatusPending, 0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				list := c.List()
				if assert.Len(t, list, 1) {
					id := list[0].ID
					assert.True(t, id == "temp-1" || id == "abc", "unexpected id %q", id)
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.True(t, c.RemapIdentity("temp-1", "abc", models.ReviewStatusPending))
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()
}
