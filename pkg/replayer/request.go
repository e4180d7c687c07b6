package replayer

import (
	"github.com/fortiblox/gfx-replay/internal/types"
	"github.com/fortiblox/gfx-replay/pkg/resource"
)

// ReplayRequest is one captured session, decoded by the wire-format parser
// and handed to the replayer in memory. Execution order is exactly the
// instruction order except for explicit jumps.
type ReplayRequest struct {
	// OrderingIndex orders this request among the sessions of a capture.
	OrderingIndex uint64

	// StackSize is the operand stack capacity the stream was compiled for.
	StackSize uint32

	// VolatileMemorySize is the scratch region size the stream requires.
	VolatileMemorySize uint32

	// ConstantMemory is the immutable region content, referenced but never
	// written by instructions.
	ConstantMemory []byte

	// Resources is the ordered resource manifest; Resource instructions
	// index into it.
	Resources []resource.Resource

	// HashScheme is the content hash scheme the manifest ids use.
	HashScheme types.HashScheme

	// Instructions is the instruction stream.
	Instructions []uint32
}
