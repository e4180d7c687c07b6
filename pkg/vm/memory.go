package vm

import (
	"errors"
	"fmt"
)

// Memory manager errors.
var (
	ErrNoArena             = errors.New("unable to allocate replay arena")
	ErrConstantTooLarge    = errors.New("constant memory exceeds arena")
	ErrVolatileTooLarge    = errors.New("volatile memory exceeds arena")
	ErrVolatileAlreadySet  = errors.New("volatile memory already sized")
	ErrInvalidMemoryAccess = errors.New("invalid replay memory access")
)

// DefaultArenaSizes is the fallback ladder tried when allocating the arena.
// The manager takes the first size the host can satisfy.
var DefaultArenaSizes = []uint64{
	2 << 30, // 2 GB
	1 << 30,
	512 << 20,
	256 << 20,
	128 << 20,
}

// MemoryManager owns the single arena backing one replay session.
//
// The logical replay address space is the arena offset range. The constant
// region sits at offset 0 and is filled once from the replay request. The
// volatile region sits at the arena tail and is sized once per session. The
// gap between constant end and volatile base is the byte budget handed to
// the resource cache.
//
//	0 ............ ConstantEnd ........ VolatileBase ............ Size
//	[  constant  ][      unused tail      ][       volatile       ]
type MemoryManager struct {
	data         []byte
	constantSize uint64
	volatileSize uint64
	volatileSet  bool
}

// NewMemoryManager allocates the replay arena, trying each candidate size
// in order and keeping the first one the host can satisfy.
func NewMemoryManager(sizes []uint64) (*MemoryManager, error) {
	if len(sizes) == 0 {
		sizes = DefaultArenaSizes
	}
	for _, size := range sizes {
		if size == 0 {
			continue
		}
		if data, ok := tryAlloc(size); ok {
			return &MemoryManager{data: data}, nil
		}
	}
	return nil, ErrNoArena
}

// tryAlloc attempts a single allocation, absorbing an allocator panic so a
// too-large candidate falls through to the next size.
func tryAlloc(size uint64) (data []byte, ok bool) {
	defer func() {
		if recover() != nil {
			data, ok = nil, false
		}
	}()
	return make([]byte, size), true
}

// Size returns the total arena size.
func (m *MemoryManager) Size() uint64 {
	return uint64(len(m.data))
}

// SetConstantMemory installs the immutable constant region. The contents
// come from the replay request and are never written by instructions.
func (m *MemoryManager) SetConstantMemory(b []byte) error {
	if uint64(len(b))+m.volatileSize > m.Size() {
		return fmt.Errorf("%w: %d bytes", ErrConstantTooLarge, len(b))
	}
	copy(m.data, b)
	m.constantSize = uint64(len(b))
	return nil
}

// SetVolatileMemory sizes the mutable scratch region at the arena tail.
// The size is fixed for the lifetime of the session; calling this twice is
// a protocol violation.
func (m *MemoryManager) SetVolatileMemory(size uint64) error {
	if m.volatileSet {
		return ErrVolatileAlreadySet
	}
	if size+m.constantSize > m.Size() {
		return fmt.Errorf("%w: %d bytes (arena %d, constant %d)",
			ErrVolatileTooLarge, size, m.Size(), m.constantSize)
	}
	m.volatileSize = size
	m.volatileSet = true
	return nil
}

// ConstantBase returns the logical address of the constant region.
func (m *MemoryManager) ConstantBase() uint64 {
	return 0
}

// ConstantEnd returns the first logical address past the constant region.
func (m *MemoryManager) ConstantEnd() uint64 {
	return m.constantSize
}

// VolatileBase returns the logical address of the volatile region.
func (m *MemoryManager) VolatileBase() uint64 {
	return m.Size() - m.volatileSize
}

// VolatileSize returns the size of the volatile region.
func (m *MemoryManager) VolatileSize() uint64 {
	return m.volatileSize
}

// UnusedTail returns the byte budget between the constant region end and
// the volatile region base. The resource cache sizes itself to this once
// per session.
func (m *MemoryManager) UnusedTail() uint64 {
	return m.VolatileBase() - m.ConstantEnd()
}

// Slice resolves a logical address range to the backing bytes. Writes to
// the constant region are rejected; reads are permitted anywhere in the
// arena, matching the direct address translation replayed instructions
// rely on.
func (m *MemoryManager) Slice(addr, size uint64, write bool) ([]byte, error) {
	end := addr + size
	if end < addr || end > m.Size() {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x)", ErrInvalidMemoryAccess, addr, end)
	}
	if write && addr < m.constantSize {
		return nil, fmt.Errorf("%w: write to constant region at 0x%x", ErrInvalidMemoryAccess, addr)
	}
	return m.data[addr:end], nil
}
