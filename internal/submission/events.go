package submission

import (
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/stream"
)

// event is the sealed set of inbound signals that drive a cycle. Each event
// carries the generation of the cycle that produced it; events from an
// abandoned cycle are discarded.
type event interface {
	generation() uint64
}

func (e ackEvent) generation() uint64     { return e.gen }
func (e rejectEvent) generation() uint64  { return e.gen }
func (e statusEvent) generation() uint64  { return e.gen }
func (e doneEvent) generation() uint64    { return e.gen }
func (e fetchedEvent) generation() uint64 { return e.gen }
func (e errorEvent) generation() uint64   { return e.gen }

// ackEvent is the backend accepting the submission.
type ackEvent struct {
	gen    uint64
	id     string
	status models.ReviewStatus
}

// rejectEvent is the backend refusing the submission.
type rejectEvent struct {
	gen uint64
	err error
}

// statusEvent is a streamed status transition.
type statusEvent struct {
	gen    uint64
	status models.ReviewStatus
}

// doneEvent is the stream's terminal payload.
type doneEvent struct {
	gen  uint64
	done stream.Done
}

// fetchedEvent is the result of the point read issued when a done payload
// did not carry a full review.
type fetchedEvent struct {
	gen    uint64
	done   stream.Done
	review *models.Review
	err    error
}

// errorEvent is a stream failure without a terminal payload.
type errorEvent struct {
	gen uint64
	err error
}
