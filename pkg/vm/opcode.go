// Package vm implements the replay virtual machine: a typed operand stack,
// a dual-region memory manager, and a bytecode interpreter that dispatches
// builtin and renderer-backend functions.
//
// Instructions are 32-bit words. The opcode lives in the top 6 bits and the
// remaining 26 bits carry an opcode-specific payload:
//
//	Call:   bit 25 push-return flag, bits 16-23 api index, bits 0-15 function id
//	PushI:  bits 20-25 value type, bits 0-19 immediate (widen with Extend)
//	LoadC:  bits 20-25 value type, bits 0-19 constant-memory offset
//	LoadV:  bits 20-25 value type, bits 0-19 volatile-memory offset
//	Load:   bits 20-25 value type (address popped from the stack)
//	StoreV: bits 0-25 volatile-memory offset (value popped from the stack)
//	Extend: bits 0-25 appended to the value on top of the stack
//	Others: bits 0-25 raw operand (count, index, label, ...)
package vm

import "fmt"

// Opcode identifies a replay instruction.
type Opcode uint8

// Replay instruction set.
const (
	OpCall     Opcode = 0  // Invoke a builtin or renderer function
	OpPushI    Opcode = 1  // Push a typed immediate
	OpLoadC    Opcode = 2  // Push a value read from constant memory
	OpLoadV    Opcode = 3  // Push a value read from volatile memory
	OpLoad     Opcode = 4  // Push a value read from a popped address
	OpStore    Opcode = 5  // Pop an address, then pop a value into it
	OpStoreV   Opcode = 6  // Pop a value into a volatile-memory offset
	OpResource Opcode = 7  // Push a resource index and invoke the resource builtin
	OpPost     Opcode = 8  // Invoke the post builtin
	OpCopy     Opcode = 9  // Pop target and source addresses, copy N bytes
	OpClone    Opcode = 10 // Push a copy of the N-th stack entry from the top
	OpStrcpy   Opcode = 11 // Pop target and source, copy a C string of max N bytes
	OpExtend   Opcode = 12 // Widen the top stack value by 26 bits
	OpAdd      Opcode = 13 // Pop N values of one type, push their sum
	OpLabel    Opcode = 14 // Set the current diagnostic label
	OpJump     Opcode = 15 // Jump to a label
	OpJumpNZ   Opcode = 16 // Pop a uint32, jump to a label if non-zero
)

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	switch op {
	case OpCall:
		return "call"
	case OpPushI:
		return "push_i"
	case OpLoadC:
		return "load_c"
	case OpLoadV:
		return "load_v"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpStoreV:
		return "store_v"
	case OpResource:
		return "resource"
	case OpPost:
		return "post"
	case OpCopy:
		return "copy"
	case OpClone:
		return "clone"
	case OpStrcpy:
		return "strcpy"
	case OpExtend:
		return "extend"
	case OpAdd:
		return "add"
	case OpLabel:
		return "label"
	case OpJump:
		return "jump"
	case OpJumpNZ:
		return "jump_nz"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// Instruction word layout.
const (
	opcodeShift = 26
	payloadMask = (uint32(1) << opcodeShift) - 1 // 0x03FFFFFF

	typeShift = 20
	typeMask  = uint32(0x3F) << typeShift
	dataMask  = (uint32(1) << typeShift) - 1 // 0x000FFFFF

	callPushReturnBit = uint32(1) << 25
	callApiShift      = 16
	callApiMask       = uint32(0xFF) << callApiShift
	callFunctionMask  = uint32(0xFFFF)

	// ExtendBits is the number of payload bits appended by each Extend.
	ExtendBits = opcodeShift
)

// DecodeOpcode extracts the opcode from an instruction word.
func DecodeOpcode(ins uint32) Opcode {
	return Opcode(ins >> opcodeShift)
}

// DecodePayload extracts the 26-bit payload from an instruction word.
func DecodePayload(ins uint32) uint32 {
	return ins & payloadMask
}

// DecodeType extracts the value type from a PushI/LoadC/LoadV/Load payload.
func DecodeType(ins uint32) ValueType {
	return ValueType((ins & typeMask) >> typeShift)
}

// DecodeData extracts the 20-bit data field from a typed payload.
func DecodeData(ins uint32) uint32 {
	return ins & dataMask
}

// DecodeCall unpacks a Call payload.
func DecodeCall(ins uint32) (api uint8, function uint16, pushReturn bool) {
	return uint8((ins & callApiMask) >> callApiShift),
		uint16(ins & callFunctionMask),
		ins&callPushReturnBit != 0
}

// Encode helpers, used by tests and by producers of synthetic streams.

// EncodeOp packs an opcode and raw payload into an instruction word.
func EncodeOp(op Opcode, payload uint32) uint32 {
	return uint32(op)<<opcodeShift | payload&payloadMask
}

// EncodeTyped packs an opcode, value type and 20-bit data field.
func EncodeTyped(op Opcode, ty ValueType, data uint32) uint32 {
	return EncodeOp(op, uint32(ty)<<typeShift|data&dataMask)
}

// EncodeCall packs a Call instruction.
func EncodeCall(api uint8, function uint16, pushReturn bool) uint32 {
	payload := uint32(api)<<callApiShift | uint32(function)
	if pushReturn {
		payload |= callPushReturnBit
	}
	return EncodeOp(OpCall, payload)
}
