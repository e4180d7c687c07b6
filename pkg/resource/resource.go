// Package resource implements the content-addressed resource provider
// protocol used during replay.
//
// Resources are large byte payloads (buffers, textures) stored outside the
// instruction stream and fetched on demand. Providers form a chain: an
// in-memory LRU cache in front, an optional BadgerDB disk cache below it,
// and a direct requester at the bottom that always contacts the capture
// server. Correctness never depends on cache hits; a cold chain is merely
// slower.
package resource

import (
	"errors"
	"fmt"

	"github.com/fortiblox/gfx-replay/internal/types"
)

// Provider errors.
var (
	ErrDestinationTooSmall = errors.New("destination smaller than resource data")
	ErrSizeMismatch        = errors.New("fetched resource size mismatch")
	ErrPayloadCount        = errors.New("fetched payload count mismatch")
)

// Resource describes one entry of the replay request's resource manifest.
type Resource struct {
	ID   types.ResourceID
	Size uint32
}

// Fetcher fetches resource payloads from the capture server. Satisfied by
// remote.ServerConnection.
type Fetcher interface {
	FetchResources(ids []types.ResourceID) ([][]byte, error)
}

// Provider serves resource payloads into replay memory.
type Provider interface {
	// Get writes the payloads of the given resources consecutively into
	// dst, fetching through the connection on a miss. It fails if dst is
	// smaller than the combined declared sizes or if a fetch fails.
	Get(resources []Resource, conn Fetcher, dst []byte) error

	// Prefetch warms the provider with the given resources, best effort,
	// staying within the given byte budget. Failures abandon the warm-up
	// without failing the session.
	Prefetch(resources []Resource, conn Fetcher, budget uint64)
}

// checkDestination verifies dst can hold every listed resource.
func checkDestination(resources []Resource, dst []byte) error {
	var total uint64
	for _, r := range resources {
		total += uint64(r.Size)
	}
	if total > uint64(len(dst)) {
		return fmt.Errorf("%w: need %d, have %d", ErrDestinationTooSmall, total, len(dst))
	}
	return nil
}
