// Package cache holds the bounded, newest-first view of recent reviews that
// merges optimistic, streamed and authoritative review state.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/joescharf/crv/internal/models"
)

// DefaultLimit matches the recent-submissions view.
const DefaultLimit = 5

// Snapshot is an immutable copy of the cache contents at one instant.
type Snapshot struct {
	entries []models.Review
}

// Reviews returns a copy of the captured entries, newest first.
func (s Snapshot) Reviews() []models.Review {
	return cloneAll(s.entries)
}

// Len returns the number of captured entries.
func (s Snapshot) Len() int { return len(s.entries) }

// Cache is a bounded, ordered id -> Review store. Every mutation is applied
// under one write lock, so readers never observe a half-applied change.
type Cache struct {
	mu      sync.RWMutex
	limit   int
	entries []models.Review
	version uint64
	now     func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used to stamp UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most limit entries. A non-positive limit
// falls back to DefaultLimit.
func New(limit int, opts ...Option) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	c := &Cache{
		limit: limit,
		now:   time.Now,
		subs:  make(map[int]chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Limit returns the maximum number of entries held.
func (c *Cache) Limit() int { return c.limit }

// Snapshot captures the current contents.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{entries: cloneAll(c.entries)}
}

// List returns the current entries, newest first.
func (c *Cache) List() []models.Review {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.entries)
}

// Get returns the entry for id.
func (c *Cache) Get(id string) (models.Review, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(id); i >= 0 {
		return c.entries[i].Clone(), true
	}
	return models.Review{}, false
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Version increments on every applied mutation.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// InsertOptimistic prepends r and truncates to the limit. It returns the
// contents as they were immediately before the insert, for Rollback.
func (c *Cache) InsertOptimistic(r models.Review) Snapshot {
	c.mu.Lock()
	before := Snapshot{entries: cloneAll(c.entries)}

	if i := c.indexOf(r.ID); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
	c.entries = append([]models.Review{r.Clone()}, c.entries...)
	if len(c.entries) > c.limit {
		c.entries = c.entries[:c.limit]
	}
	c.changedLocked()
	c.mu.Unlock()

	c.notify()
	return before
}

// RemapIdentity replaces tempID with realID in place and merges status
// forward. It is a no-op returning false when tempID is no longer present.
// When realID is already cached, the temporary entry is dropped and the
// status merged into the existing one, so one logical review never occupies
// two rows.
func (c *Cache) RemapIdentity(tempID, realID string, status models.ReviewStatus) bool {
	c.mu.Lock()
	ti := c.indexOf(tempID)
	if ti < 0 || tempID == realID {
		c.mu.Unlock()
		return false
	}

	if ri := c.indexOf(realID); ri >= 0 {
		c.advanceLocked(ri, status)
		c.entries = append(c.entries[:ti], c.entries[ti+1:]...)
	} else {
		c.entries[ti].ID = realID
		c.advanceLocked(ti, status)
	}
	c.changedLocked()
	c.mu.Unlock()

	c.notify()
	return true
}

// MergeStatus moves the entry for id to status. It is a no-op returning false
// when id is absent or status is not forward of the current one.
func (c *Cache) MergeStatus(id string, status models.ReviewStatus) bool {
	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 || !c.entries[i].Status.Advances(status) {
		c.mu.Unlock()
		return false
	}
	c.advanceLocked(i, status)
	c.changedLocked()
	c.mu.Unlock()

	c.notify()
	return true
}

// MergeTerminal overwrites the entry for id with the full terminal review.
// The entry keeps its id and position. Non-terminal payloads are rejected.
func (c *Cache) MergeTerminal(id string, r models.Review) bool {
	if !r.Status.Terminal() {
		return false
	}

	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	prev := c.entries[i]
	next := r.Clone()
	next.ID = id
	if next.Language == "" {
		next.Language = prev.Language
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = prev.CreatedAt
	}
	if !next.UpdatedAt.After(prev.UpdatedAt) {
		next.UpdatedAt = c.stamp(prev.UpdatedAt)
	}
	c.entries[i] = next
	c.changedLocked()
	c.mu.Unlock()

	c.notify()
	return true
}

// Rollback restores a previously captured snapshot.
func (c *Cache) Rollback(s Snapshot) {
	c.mu.Lock()
	c.entries = cloneAll(s.entries)
	c.changedLocked()
	c.mu.Unlock()

	c.notify()
}

// Reconcile merges an authoritative list into the cache. Authoritative
// entries replace cached ones unless that would move a status backwards;
// cached entries the list does not mention are kept. The result is re-sorted
// newest-first and truncated to the limit.
func (c *Cache) Reconcile(authoritative []models.Review) {
	c.mu.Lock()
	index := make(map[string]int, len(c.entries)+len(authoritative))
	merged := make([]models.Review, 0, len(c.entries)+len(authoritative))
	for _, r := range c.entries {
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range authoritative {
		if r.ID == "" {
			continue
		}
		i, ok := index[r.ID]
		if !ok {
			index[r.ID] = len(merged)
			merged = append(merged, r.Clone())
			continue
		}
		if behind(r.Status, merged[i].Status) {
			continue
		}
		next := r.Clone()
		if !next.UpdatedAt.After(merged[i].UpdatedAt) {
			next.UpdatedAt = merged[i].UpdatedAt
		}
		merged[i] = next
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if len(merged) > c.limit {
		merged = merged[:c.limit]
	}
	c.entries = merged
	c.changedLocked()
	c.mu.Unlock()

	c.notify()
}

// Subscribe returns a channel that receives a signal after mutations. Signals
// coalesce: a slow reader sees at least one signal per burst. The returned
// function unsubscribes.
func (c *Cache) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Cache) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// behind reports whether an authoritative status would move a cached one
// backwards or sideways out of a terminal state.
func behind(auth, cached models.ReviewStatus) bool {
	if cached.Terminal() {
		return auth != cached
	}
	return auth.Advances(cached)
}

func (c *Cache) advanceLocked(i int, status models.ReviewStatus) {
	if c.entries[i].Status.Advances(status) {
		c.entries[i].Status = status
	}
	c.entries[i].UpdatedAt = c.stamp(c.entries[i].UpdatedAt)
}

// stamp returns the current time, never earlier than prev.
func (c *Cache) stamp(prev time.Time) time.Time {
	now := c.now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func (c *Cache) changedLocked() { c.version++ }

func (c *Cache) indexOf(id string) int {
	for i := range c.entries {
		if c.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(in []models.Review) []models.Review {
	out := make([]models.Review, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
