package renderer

import (
	"fmt"
	"sync/atomic"

	"github.com/fortiblox/gfx-replay/pkg/vm"
)

// headlessCounter numbers headless renderers for log attribution.
var headlessCounter atomic.Uint32

// HeadlessGles is a driver-less GLES backend. It accepts every native call
// as a no-op, which lets a session replay on a machine without a GPU to
// validate sequencing, memory addressing and data movement.
type HeadlessGles struct {
	name       string
	shared     *HeadlessGles
	listener   DebugListener
	bound      bool
	backbuffer Backbuffer
	calls      uint64
}

// NewHeadlessGles is a GlesFactory for headless renderers.
func NewHeadlessGles(shared Gles) (Gles, error) {
	r := &HeadlessGles{
		name: fmt.Sprintf("headless-gles-%d", headlessCounter.Add(1)),
	}
	if shared != nil {
		if parent, ok := shared.(*HeadlessGles); ok {
			r.shared = parent
		}
	}
	return r, nil
}

func (r *HeadlessGles) Bind()   { r.bound = true }
func (r *HeadlessGles) Unbind() { r.bound = false }

func (r *HeadlessGles) SetBackbuffer(bb Backbuffer) { r.backbuffer = bb }

func (r *HeadlessGles) Viewport(x, y, width, height int32) { r.calls++ }
func (r *HeadlessGles) Scissor(x, y, width, height int32)  { r.calls++ }

func (r *HeadlessGles) Name() string    { return r.name }
func (r *HeadlessGles) Version() string { return "0.0" }

func (r *HeadlessGles) SetListener(l DebugListener) { r.listener = l }

// FunctionTable resolves every id to a stub that succeeds without
// touching a driver. Stubs push a zero return value when the call site
// expects one; call arguments are left on the stack.
func (r *HeadlessGles) FunctionTable() vm.FunctionTable {
	return func(function uint16) (vm.Function, bool) {
		return func(s *vm.Stack, pushReturn bool) bool {
			r.calls++
			if pushReturn {
				s.PushUint32(0)
			}
			return true
		}, true
	}
}

// Calls returns the number of native calls dispatched to this renderer.
func (r *HeadlessGles) Calls() uint64 { return r.calls }

func (r *HeadlessGles) Close() { r.bound = false }

// HeadlessVulkan is the driver-less Vulkan backend counterpart.
type HeadlessVulkan struct {
	calls uint64
}

// NewHeadlessVulkan is a VulkanFactory for headless replay.
func NewHeadlessVulkan() (Vulkan, error) {
	return &HeadlessVulkan{}, nil
}

func (r *HeadlessVulkan) IsValid() bool { return true }

func (r *HeadlessVulkan) FunctionTable() vm.FunctionTable {
	return func(function uint16) (vm.Function, bool) {
		return func(s *vm.Stack, pushReturn bool) bool {
			r.calls++
			if pushReturn {
				s.PushUint32(0)
			}
			return true
		}, true
	}
}

func (r *HeadlessVulkan) accept(s *vm.Stack, pushReturn bool) bool {
	r.calls++
	if pushReturn {
		s.PushUint32(0)
	}
	return true
}

func (r *HeadlessVulkan) CreateInstance(s *vm.Stack, pushReturn bool) bool {
	return r.accept(s, pushReturn)
}

func (r *HeadlessVulkan) CreateDevice(s *vm.Stack, pushReturn bool) bool {
	return r.accept(s, pushReturn)
}

func (r *HeadlessVulkan) RegisterInstance(s *vm.Stack) bool   { return r.accept(s, false) }
func (r *HeadlessVulkan) UnregisterInstance(s *vm.Stack) bool { return r.accept(s, false) }
func (r *HeadlessVulkan) RegisterDevice(s *vm.Stack) bool     { return r.accept(s, false) }
func (r *HeadlessVulkan) UnregisterDevice(s *vm.Stack) bool   { return r.accept(s, false) }

func (r *HeadlessVulkan) RegisterCommandBuffers(s *vm.Stack) bool   { return r.accept(s, false) }
func (r *HeadlessVulkan) UnregisterCommandBuffers(s *vm.Stack) bool { return r.accept(s, false) }

func (r *HeadlessVulkan) ToggleVirtualSwapchainReturnAcquiredImage(s *vm.Stack) bool {
	return r.accept(s, false)
}

func (r *HeadlessVulkan) AllocateImageMemory(s *vm.Stack, pushReturn bool) bool {
	return r.accept(s, pushReturn)
}

func (r *HeadlessVulkan) GetFenceStatus(s *vm.Stack, pushReturn bool) bool {
	return r.accept(s, pushReturn)
}

func (r *HeadlessVulkan) GetEventStatus(s *vm.Stack, pushReturn bool) bool {
	return r.accept(s, pushReturn)
}

// Calls returns the number of calls dispatched to this renderer.
func (r *HeadlessVulkan) Calls() uint64 { return r.calls }

func (r *HeadlessVulkan) Close() {}
