// Package ids generates the identifiers stamped onto flows and messages.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used as the broker message system-id for every call in a flow.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// CreateFlowID returns a random trace id for callers that do not bring their
// own. Prefixed so it is recognizable in logs as generated, not supplied.
func CreateFlowID() string {
	return "gen_" + CreateULID()
}
