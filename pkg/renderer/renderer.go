// Package renderer defines the capability interfaces of the graphics
// backends that replayed calls are forwarded to.
//
// Concrete backends wrap real driver bindings and live outside this
// repository; the replay core only sequences calls into them. The replayer
// receives factory functions and owns every instance it creates, tearing
// them down through Close on a single path.
package renderer

import (
	"github.com/fortiblox/gfx-replay/internal/types"
	"github.com/fortiblox/gfx-replay/pkg/vm"
)

// Backbuffer describes the bound render target configuration.
type Backbuffer struct {
	Width         int32
	Height        int32
	ColorFormat   uint32
	DepthFormat   uint32
	StencilFormat uint32
}

// DebugListener receives debug messages emitted by a backend.
type DebugListener interface {
	OnDebugMessage(severity types.Severity, message string)
}

// Gles is a GLES renderer backend. Instances created with a shared parent
// use the parent's object namespace, so object ids are globally unique
// across contexts within a session.
type Gles interface {
	// Bind makes this renderer current; Unbind releases it.
	Bind()
	Unbind()

	// SetBackbuffer reconfigures the renderer's backbuffer.
	SetBackbuffer(bb Backbuffer)

	// Viewport and Scissor issue the corresponding driver calls.
	Viewport(x, y, width, height int32)
	Scissor(x, y, width, height int32)

	// Name and Version describe the underlying driver.
	Name() string
	Version() string

	// SetListener installs the receiver of the backend's debug output.
	SetListener(l DebugListener)

	// FunctionTable returns the native entry points replayed calls
	// dispatch to while this renderer is bound.
	FunctionTable() vm.FunctionTable

	// Close destroys the renderer.
	Close()
}

// GlesFactory creates a GLES renderer, sharing the object namespace of
// shared when it is non-nil.
type GlesFactory func(shared Gles) (Gles, error)

// Vulkan is the Vulkan renderer backend. There is exactly one per session,
// created lazily on first reference. Instance- and device-level object
// management is delegated to the backend; the entry points below operate
// directly on the operand stack, popping their arguments in captured
// order.
type Vulkan interface {
	// IsValid reports whether backend creation fully succeeded.
	IsValid() bool

	// FunctionTable returns the native Vulkan entry points.
	FunctionTable() vm.FunctionTable

	CreateInstance(s *vm.Stack, pushReturn bool) bool
	CreateDevice(s *vm.Stack, pushReturn bool) bool
	RegisterInstance(s *vm.Stack) bool
	UnregisterInstance(s *vm.Stack) bool
	RegisterDevice(s *vm.Stack) bool
	UnregisterDevice(s *vm.Stack) bool
	RegisterCommandBuffers(s *vm.Stack) bool
	UnregisterCommandBuffers(s *vm.Stack) bool
	ToggleVirtualSwapchainReturnAcquiredImage(s *vm.Stack) bool
	AllocateImageMemory(s *vm.Stack, pushReturn bool) bool
	GetFenceStatus(s *vm.Stack, pushReturn bool) bool
	GetEventStatus(s *vm.Stack, pushReturn bool) bool

	// Close destroys the renderer.
	Close()
}

// VulkanFactory creates the Vulkan renderer singleton.
type VulkanFactory func() (Vulkan, error)
