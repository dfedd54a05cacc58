package models

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks process-local ids of optimistic reviews. Backend ids
// never carry it.
const TempIDPrefix = "temp-"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new monotonic ULID string. Ids generated within the same
// millisecond still sort in generation order.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewTempID returns a unique id for an optimistic review.
func NewTempID() string {
	return TempIDPrefix + NewULID()
}

// IsTempID reports whether id was issued by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
