// Package ids generates the identifiers used across the bridge: session,
// bridge, and command ids are lexically sortable ULIDs; file request ids are
// UUIDs so the agent side can mint them without coordination.
package ids

import (
	cryptorand "crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(cryptorand.Reader, 0)
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// NewSessionID returns a new logical session identifier.
func NewSessionID() string {
	return "sess-" + newULID()
}

// NewBridgeID returns an identifier for a paired local bridge instance.
func NewBridgeID() string {
	return "bridge-" + newULID()
}

// NewCommandID returns a new command identifier.
func NewCommandID() string {
	return "cmd-" + newULID()
}

// NewRequestID returns a new file operation request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
