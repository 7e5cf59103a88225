// Package ids generates lexicographically sortable unique identifiers for
// every persisted entity in the engine.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	mu       sync.Mutex
	entropy  = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new 26-character ULID string, monotonically increasing for
// identifiers minted within the same millisecond.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
