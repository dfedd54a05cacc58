package history

import "sync"

// Query holds the criteria being edited and the criteria last applied.
// Edits have no effect on the active query until Apply.
type Query struct {
	mu       sync.Mutex
	defaults Criteria
	pending  Criteria
	applied  Criteria
}

// NewQuery starts from defaults with the given page size. A non-positive size
// keeps DefaultPageSize.
func NewQuery(pageSize int) *Query {
	d := Defaults()
	if pageSize > 0 {
		d.PageSize = pageSize
	}
	return &Query{defaults: d, pending: d, applied: d}
}

// Pending returns the criteria being edited.
func (q *Query) Pending() Criteria {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Applied returns the active criteria.
func (q *Query) Applied() Criteria {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applied
}

// Edit changes the pending criteria.
func (q *Query) Edit(fn func(*Criteria)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(&q.pending)
}

// Apply commits the pending criteria. Invalid criteria are rejected and the
// active query is left unchanged.
func (q *Query) Apply() (Criteria, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pending.Validate(); err != nil {
		return q.applied, err
	}
	q.applied = q.pending
	return q.applied, nil
}

// Reset restores the default criteria, both pending and applied.
func (q *Query) Reset() Criteria {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.defaults
	q.applied = q.defaults
	return q.applied
}
