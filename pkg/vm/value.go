package vm

import "fmt"

// ValueType tags a value held on the operand stack or moved through memory.
//
// Pointer values come in three flavors: absolute addresses in the logical
// replay address space, and offsets relative to the constant or volatile
// region base. Relative pointers resolve to absolute addresses when popped
// as pointers.
type ValueType uint8

const (
	TypeBool ValueType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat
	TypeDouble
	TypeAbsolutePointer
	TypeConstantPointer
	TypeVolatilePointer

	typeCount
)

// String returns the type name.
func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeAbsolutePointer:
		return "absolute-ptr"
	case TypeConstantPointer:
		return "constant-ptr"
	case TypeVolatilePointer:
		return "volatile-ptr"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Size returns the number of bytes the type occupies in replay memory.
func (t ValueType) Size() uint64 {
	switch t {
	case TypeBool, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat:
		return 4
	case TypeInt64, TypeUint64, TypeDouble,
		TypeAbsolutePointer, TypeConstantPointer, TypeVolatilePointer:
		return 8
	default:
		return 0
	}
}

// IsPointer reports whether the type is one of the pointer flavors.
func (t ValueType) IsPointer() bool {
	switch t {
	case TypeAbsolutePointer, TypeConstantPointer, TypeVolatilePointer:
		return true
	default:
		return false
	}
}

// Value is a typed stack entry. Bits holds the zero-extended (integers),
// sign-extended (signed integers) or IEEE 754 (floats) representation.
type Value struct {
	Type ValueType
	Bits uint64
}
