package vm

import (
	"encoding/binary"
	"math"
)

// Stack is the typed operand stack of the replay VM.
//
// The stack carries a sticky validity flag instead of returning an error
// from every pop: the first underflow, overflow or type mismatch marks the
// stack invalid, every later pop returns a zero value, and call sites check
// IsValid once after popping all of their operands. Only a fresh Stack is
// valid again.
type Stack struct {
	entries []Value
	mm      *MemoryManager
	valid   bool
}

// NewStack creates a stack holding at most capacity entries. The memory
// manager resolves relative pointers popped as addresses.
func NewStack(capacity int, mm *MemoryManager) *Stack {
	return &Stack{
		entries: make([]Value, 0, capacity),
		mm:      mm,
		valid:   true,
	}
}

// IsValid reports whether every operation so far has succeeded.
func (s *Stack) IsValid() bool {
	return s.valid
}

// Depth returns the number of entries currently on the stack.
func (s *Stack) Depth() int {
	return len(s.entries)
}

func (s *Stack) fail() {
	s.valid = false
}

// Push pushes a typed value. Pushing beyond capacity invalidates the stack.
func (s *Stack) Push(v Value) {
	if !s.valid {
		return
	}
	if len(s.entries) == cap(s.entries) {
		s.fail()
		return
	}
	s.entries = append(s.entries, v)
}

// pop removes the top entry, failing the stack on underflow.
func (s *Stack) pop() Value {
	if !s.valid {
		return Value{}
	}
	if len(s.entries) == 0 {
		s.fail()
		return Value{}
	}
	v := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	return v
}

// popTyped pops the top entry, requiring an exact type match.
func (s *Stack) popTyped(t ValueType) uint64 {
	v := s.pop()
	if !s.valid {
		return 0
	}
	if v.Type != t {
		s.fail()
		return 0
	}
	return v.Bits
}

func (s *Stack) PushBool(v bool) {
	bits := uint64(0)
	if v {
		bits = 1
	}
	s.Push(Value{Type: TypeBool, Bits: bits})
}

func (s *Stack) PushUint8(v uint8)   { s.Push(Value{Type: TypeUint8, Bits: uint64(v)}) }
func (s *Stack) PushUint16(v uint16) { s.Push(Value{Type: TypeUint16, Bits: uint64(v)}) }
func (s *Stack) PushUint32(v uint32) { s.Push(Value{Type: TypeUint32, Bits: uint64(v)}) }
func (s *Stack) PushUint64(v uint64) { s.Push(Value{Type: TypeUint64, Bits: v}) }
func (s *Stack) PushInt8(v int8)     { s.Push(Value{Type: TypeInt8, Bits: uint64(int64(v))}) }
func (s *Stack) PushInt16(v int16)   { s.Push(Value{Type: TypeInt16, Bits: uint64(int64(v))}) }
func (s *Stack) PushInt32(v int32)   { s.Push(Value{Type: TypeInt32, Bits: uint64(int64(v))}) }
func (s *Stack) PushInt64(v int64)   { s.Push(Value{Type: TypeInt64, Bits: uint64(v)}) }

func (s *Stack) PushFloat(v float32) {
	s.Push(Value{Type: TypeFloat, Bits: uint64(math.Float32bits(v))})
}

func (s *Stack) PushDouble(v float64) {
	s.Push(Value{Type: TypeDouble, Bits: math.Float64bits(v)})
}

// PushPointer pushes an absolute address in the logical replay space.
func (s *Stack) PushPointer(addr uint64) {
	s.Push(Value{Type: TypeAbsolutePointer, Bits: addr})
}

func (s *Stack) PopBool() bool     { return s.popTyped(TypeBool) != 0 }
func (s *Stack) PopUint8() uint8   { return uint8(s.popTyped(TypeUint8)) }
func (s *Stack) PopUint16() uint16 { return uint16(s.popTyped(TypeUint16)) }
func (s *Stack) PopUint32() uint32 { return uint32(s.popTyped(TypeUint32)) }
func (s *Stack) PopUint64() uint64 { return s.popTyped(TypeUint64) }
func (s *Stack) PopInt8() int8     { return int8(s.popTyped(TypeInt8)) }
func (s *Stack) PopInt16() int16   { return int16(s.popTyped(TypeInt16)) }
func (s *Stack) PopInt32() int32   { return int32(s.popTyped(TypeInt32)) }
func (s *Stack) PopInt64() int64   { return int64(s.popTyped(TypeInt64)) }

func (s *Stack) PopFloat() float32 {
	return math.Float32frombits(uint32(s.popTyped(TypeFloat)))
}

func (s *Stack) PopDouble() float64 {
	return math.Float64frombits(s.popTyped(TypeDouble))
}

// PopPointer pops any pointer flavor and resolves it to an absolute address
// in the logical replay space. A non-pointer entry invalidates the stack.
func (s *Stack) PopPointer() uint64 {
	v := s.pop()
	if !s.valid {
		return 0
	}
	addr, ok := s.resolvePointer(v)
	if !ok {
		s.fail()
		return 0
	}
	return addr
}

func (s *Stack) resolvePointer(v Value) (uint64, bool) {
	switch v.Type {
	case TypeAbsolutePointer:
		return v.Bits, true
	case TypeConstantPointer:
		return s.mm.ConstantBase() + v.Bits, true
	case TypeVolatilePointer:
		return s.mm.VolatileBase() + v.Bits, true
	default:
		return 0, false
	}
}

// PushFrom reads a value of the given type from replay memory and pushes it.
func (s *Stack) PushFrom(t ValueType, addr uint64) {
	if !s.valid {
		return
	}
	size := t.Size()
	if size == 0 {
		s.fail()
		return
	}
	mem, err := s.mm.Slice(addr, size, false)
	if err != nil {
		s.fail()
		return
	}
	var bits uint64
	switch size {
	case 1:
		bits = uint64(mem[0])
	case 2:
		bits = uint64(binary.LittleEndian.Uint16(mem))
	case 4:
		bits = uint64(binary.LittleEndian.Uint32(mem))
	case 8:
		bits = binary.LittleEndian.Uint64(mem)
	}
	s.Push(Value{Type: t, Bits: bits})
}

// PopTo pops the top value and writes its representation to replay memory.
// Pointer values are resolved to absolute addresses before being written.
func (s *Stack) PopTo(addr uint64) {
	v := s.pop()
	if !s.valid {
		return
	}
	bits := v.Bits
	if v.Type.IsPointer() {
		resolved, ok := s.resolvePointer(v)
		if !ok {
			s.fail()
			return
		}
		bits = resolved
	}
	size := v.Type.Size()
	mem, err := s.mm.Slice(addr, size, true)
	if err != nil {
		s.fail()
		return
	}
	switch size {
	case 1:
		mem[0] = uint8(bits)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(mem, bits)
	}
}

// Clone pushes a copy of the n-th entry from the top (0 is the top).
func (s *Stack) Clone(n int) {
	if !s.valid {
		return
	}
	if n < 0 || n >= len(s.entries) {
		s.fail()
		return
	}
	s.Push(s.entries[len(s.entries)-1-n])
}

// Extend widens the top value by ExtendBits bits, appending payload as the
// new low bits. Used to build immediates wider than a PushI data field.
func (s *Stack) Extend(payload uint32) {
	if !s.valid {
		return
	}
	if len(s.entries) == 0 {
		s.fail()
		return
	}
	top := &s.entries[len(s.entries)-1]
	top.Bits = top.Bits<<ExtendBits | uint64(payload&payloadMask)
}

// Add pops count values of a single type and pushes their sum. Mixing types
// invalidates the stack. Integer addition wraps; float addition follows
// IEEE 754.
func (s *Stack) Add(count int) {
	if !s.valid {
		return
	}
	if count < 2 {
		return
	}
	first := s.pop()
	if !s.valid {
		return
	}
	t := first.Type
	switch t {
	case TypeFloat:
		sum := math.Float32frombits(uint32(first.Bits))
		for i := 1; i < count; i++ {
			sum += math.Float32frombits(uint32(s.popTyped(t)))
		}
		if s.valid {
			s.PushFloat(sum)
		}
	case TypeDouble:
		sum := math.Float64frombits(first.Bits)
		for i := 1; i < count; i++ {
			sum += math.Float64frombits(s.popTyped(t))
		}
		if s.valid {
			s.PushDouble(sum)
		}
	default:
		sum := first.Bits
		for i := 1; i < count; i++ {
			sum += s.popTyped(t)
		}
		if s.valid {
			s.Push(Value{Type: t, Bits: sum})
		}
	}
}
