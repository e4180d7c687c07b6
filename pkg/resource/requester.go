package resource

import (
	"fmt"

	"github.com/fortiblox/gfx-replay/internal/types"
)

// Requester is the terminal provider: every Get contacts the capture
// server. It is the cold-path correctness baseline under every cache.
type Requester struct{}

// NewRequester creates a direct-fetch provider.
func NewRequester() *Requester {
	return &Requester{}
}

// Get implements Provider.
func (r *Requester) Get(resources []Resource, conn Fetcher, dst []byte) error {
	if len(resources) == 0 {
		return nil
	}
	if err := checkDestination(resources, dst); err != nil {
		return err
	}
	ids := make([]types.ResourceID, len(resources))
	for i, res := range resources {
		ids[i] = res.ID
	}
	payloads, err := conn.FetchResources(ids)
	if err != nil {
		return err
	}
	if len(payloads) != len(resources) {
		return fmt.Errorf("%w: asked %d, got %d", ErrPayloadCount, len(resources), len(payloads))
	}
	offset := 0
	for i, res := range resources {
		if uint32(len(payloads[i])) != res.Size {
			return fmt.Errorf("%w: %s declared %d, got %d",
				ErrSizeMismatch, res.ID, res.Size, len(payloads[i]))
		}
		copy(dst[offset:], payloads[i])
		offset += len(payloads[i])
	}
	return nil
}

// Prefetch implements Provider. The requester holds no state to warm.
func (r *Requester) Prefetch(resources []Resource, conn Fetcher, budget uint64) {}
