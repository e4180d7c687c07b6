package vm

import (
	"github.com/fortiblox/gfx-replay/internal/logging"
)

// API namespaces for builtin and renderer function dispatch. The global
// namespace carries cross-API functions; each graphics API gets its own
// function-id space so ids can be reused without collision, and so binding
// a different backend only swaps that API's native table.
const (
	ApiGlobal uint8 = 0
	ApiGles   uint8 = 1
	ApiVulkan uint8 = 2
)

// Global-namespace function ids.
const (
	FuncPost     uint16 = 0
	FuncResource uint16 = 1
)

// Function is a callable installed in the interpreter, either a builtin
// implemented by the replay VM or a native entry point of the bound
// renderer. It pops its operands from the stack and reports success; a
// false return terminates the run.
type Function func(s *Stack, pushReturn bool) bool

// FunctionTable resolves function ids to native renderer entry points.
// Backends typically close over a map; a headless backend may resolve
// every id to a recording stub.
type FunctionTable func(function uint16) (Function, bool)

// FunctionKey identifies a builtin by API namespace and function id.
type FunctionKey struct {
	API      uint8
	Function uint16
}

// ApiRequestCallback attempts to activate a backend for an API that has no
// renderer function table yet. It returns whether activation succeeded.
type ApiRequestCallback func(in *Interpreter, api uint8) bool

// Interpreter executes a replay instruction list against the operand stack
// and memory manager, dispatching Call instructions to builtins and to the
// currently installed renderer function tables.
type Interpreter struct {
	mm        *MemoryManager
	stack     *Stack
	builtins  map[FunctionKey]Function
	renderers map[uint8]FunctionTable
	onRequest ApiRequestCallback
	label     uint32
	log       *logging.Logger
}

// NewInterpreter creates an interpreter bound to the memory manager, with an
// operand stack of the given capacity.
func NewInterpreter(mm *MemoryManager, stackSize int, onRequest ApiRequestCallback, log *logging.Logger) *Interpreter {
	if log == nil {
		log = logging.Default()
	}
	return &Interpreter{
		mm:        mm,
		stack:     NewStack(stackSize, mm),
		builtins:  make(map[FunctionKey]Function),
		renderers: make(map[uint8]FunctionTable),
		onRequest: onRequest,
		log:       log,
	}
}

// Stack returns the live operand stack.
func (in *Interpreter) Stack() *Stack {
	return in.stack
}

// Label returns the value of the most recent Label instruction. It
// attributes diagnostics, such as renderer debug messages, to a point in
// the captured stream.
func (in *Interpreter) Label() uint32 {
	return in.label
}

// RegisterBuiltin installs a builtin handler. Re-registration overwrites.
func (in *Interpreter) RegisterBuiltin(api uint8, function uint16, fn Function) {
	in.builtins[FunctionKey{API: api, Function: function}] = fn
}

// SetRendererFunctions installs or replaces the native function table used
// for an API's non-builtin calls. Called whenever the bound backend for
// that API changes.
func (in *Interpreter) SetRendererFunctions(api uint8, table FunctionTable) {
	in.renderers[api] = table
}

// RegisterApi asks the orchestrator to activate a backend for an API that
// is not bound yet. Backends like Vulkan are created on first reference
// through this path.
func (in *Interpreter) RegisterApi(api uint8) bool {
	return in.onRequest != nil && in.onRequest(in, api)
}

// Run executes the instruction list in order. It returns false on the
// first failing builtin, decode error, or invalid memory operation; there
// is no instruction-level retry.
func (in *Interpreter) Run(instructions []uint32) bool {
	labels := scanLabels(instructions)

	for pc := 0; pc < len(instructions); pc++ {
		ins := instructions[pc]
		op := DecodeOpcode(ins)
		payload := DecodePayload(ins)

		switch op {
		case OpCall:
			if !in.call(ins) {
				in.log.Errorf("replay aborted at instruction %d (label %d)", pc, in.label)
				return false
			}

		case OpPushI:
			in.stack.Push(Value{Type: DecodeType(ins), Bits: uint64(DecodeData(ins))})

		case OpLoadC:
			in.stack.PushFrom(DecodeType(ins), in.mm.ConstantBase()+uint64(DecodeData(ins)))

		case OpLoadV:
			in.stack.PushFrom(DecodeType(ins), in.mm.VolatileBase()+uint64(DecodeData(ins)))

		case OpLoad:
			addr := in.stack.PopPointer()
			in.stack.PushFrom(DecodeType(ins), addr)

		case OpStore:
			addr := in.stack.PopPointer()
			in.stack.PopTo(addr)

		case OpStoreV:
			in.stack.PopTo(in.mm.VolatileBase() + uint64(payload))

		case OpResource:
			in.stack.PushUint32(payload)
			if !in.dispatch(ApiGlobal, FuncResource, false) {
				in.log.Errorf("resource load failed at instruction %d (label %d)", pc, in.label)
				return false
			}

		case OpPost:
			if !in.dispatch(ApiGlobal, FuncPost, false) {
				in.log.Errorf("post failed at instruction %d (label %d)", pc, in.label)
				return false
			}

		case OpCopy:
			if !in.copy(uint64(payload)) {
				in.log.Errorf("copy failed at instruction %d (label %d)", pc, in.label)
				return false
			}

		case OpClone:
			in.stack.Clone(int(payload))

		case OpStrcpy:
			if !in.strcpy(uint64(payload)) {
				in.log.Errorf("strcpy failed at instruction %d (label %d)", pc, in.label)
				return false
			}

		case OpExtend:
			in.stack.Extend(payload)

		case OpAdd:
			in.stack.Add(int(payload))

		case OpLabel:
			in.label = payload

		case OpJump:
			target, ok := labels[payload]
			if !ok {
				in.log.Errorf("jump to undefined label %d at instruction %d", payload, pc)
				return false
			}
			// Land on the Label itself so it executes and updates in.label.
			pc = target - 1

		case OpJumpNZ:
			cond := in.stack.PopUint32()
			if !in.stack.IsValid() {
				in.log.Errorf("jump_nz with invalid stack at instruction %d", pc)
				return false
			}
			if cond != 0 {
				target, ok := labels[payload]
				if !ok {
					in.log.Errorf("jump_nz to undefined label %d at instruction %d", payload, pc)
					return false
				}
				pc = target - 1
			}

		default:
			in.log.Errorf("unknown opcode 0x%02x at instruction %d", uint8(op), pc)
			return false
		}

		if !in.stack.IsValid() {
			in.log.Errorf("stack invalidated by %s at instruction %d (label %d)", op, pc, in.label)
			return false
		}
	}
	return true
}

// scanLabels builds the label table in a single pre-pass so jumps can move
// both forward and backward.
func scanLabels(instructions []uint32) map[uint32]int {
	labels := make(map[uint32]int)
	for pc, ins := range instructions {
		if DecodeOpcode(ins) == OpLabel {
			labels[DecodePayload(ins)] = pc
		}
	}
	return labels
}

// call dispatches a Call instruction: builtins take priority, then the
// API's renderer function table. An API with no table yet gets one chance
// to activate through the request callback.
func (in *Interpreter) call(ins uint32) bool {
	api, function, pushReturn := DecodeCall(ins)

	if fn, ok := in.builtins[FunctionKey{API: api, Function: function}]; ok {
		return fn(in.stack, pushReturn)
	}

	table, ok := in.renderers[api]
	if !ok {
		if !in.RegisterApi(api) {
			in.log.Errorf("call to api %d with no active backend", api)
			return false
		}
		table = in.renderers[api]
	}
	if table != nil {
		if fn, ok := table(function); ok {
			return fn(in.stack, pushReturn)
		}
	}
	in.log.Errorf("call to unregistered function %d.%d", api, function)
	return false
}

func (in *Interpreter) dispatch(api uint8, function uint16, pushReturn bool) bool {
	fn, ok := in.builtins[FunctionKey{API: api, Function: function}]
	if !ok {
		in.log.Errorf("no builtin registered for %d.%d", api, function)
		return false
	}
	return fn(in.stack, pushReturn)
}

// copy moves count bytes between two popped addresses, target first.
func (in *Interpreter) copy(count uint64) bool {
	target := in.stack.PopPointer()
	source := in.stack.PopPointer()
	if !in.stack.IsValid() {
		in.log.Warningf("copy: invalid stack")
		return false
	}
	src, err := in.mm.Slice(source, count, false)
	if err != nil {
		in.log.Warningf("copy: %v", err)
		return false
	}
	dst, err := in.mm.Slice(target, count, true)
	if err != nil {
		in.log.Warningf("copy: %v", err)
		return false
	}
	copy(dst, src)
	return true
}

// strcpy copies a zero-terminated string from a popped source address to a
// popped target address, writing at most maxLen bytes including the
// terminator. The target is always terminated.
func (in *Interpreter) strcpy(maxLen uint64) bool {
	target := in.stack.PopPointer()
	source := in.stack.PopPointer()
	if !in.stack.IsValid() {
		in.log.Warningf("strcpy: invalid stack")
		return false
	}
	if maxLen == 0 {
		return true
	}
	dst, err := in.mm.Slice(target, maxLen, true)
	if err != nil {
		in.log.Warningf("strcpy: %v", err)
		return false
	}
	var n uint64
	for n < maxLen-1 {
		b, err := in.mm.Slice(source+n, 1, false)
		if err != nil {
			in.log.Warningf("strcpy: %v", err)
			return false
		}
		if b[0] == 0 {
			break
		}
		dst[n] = b[0]
		n++
	}
	dst[n] = 0
	return true
}
