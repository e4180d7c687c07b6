// Package replayer orchestrates one replay session: it sizes replay memory
// from the request, owns the resource provider and post buffer, registers
// every builtin the instruction stream may invoke, manages renderer-backend
// lifecycle, and runs the interpreter.
package replayer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fortiblox/gfx-replay/internal/logging"
	"github.com/fortiblox/gfx-replay/internal/types"
	"github.com/fortiblox/gfx-replay/pkg/remote"
	"github.com/fortiblox/gfx-replay/pkg/renderer"
	"github.com/fortiblox/gfx-replay/pkg/resource"
	"github.com/fortiblox/gfx-replay/pkg/vm"
)

// Replayer errors.
var (
	ErrNotInitialized = errors.New("replay context not initialized")
	ErrVolatileMemory = errors.New("unable to size volatile memory")
)

// Config holds the backend factories a session may need. The replayer owns
// every instance the factories produce.
type Config struct {
	// NewGlesRenderer creates a GLES renderer, sharing the object
	// namespace of the given renderer when non-nil.
	NewGlesRenderer renderer.GlesFactory

	// NewVulkanRenderer creates the Vulkan renderer singleton.
	NewVulkanRenderer renderer.VulkanFactory
}

// Context executes one replay session against the renderer backends.
type Context struct {
	conn     remote.ServerConnection
	provider resource.Provider
	mm       *vm.MemoryManager
	config   Config
	log      *logging.Logger

	request *ReplayRequest
	post    *vm.PostBuffer
	interp  *vm.Interpreter

	glesRenderers map[uint32]renderer.Gles
	rootGles      renderer.Gles
	boundGles     renderer.Gles
	vulkan        renderer.Vulkan

	timers [MaxTimers]timer
}

// New creates a replay context over an established server connection, a
// resource provider chain and a sized arena.
func New(conn remote.ServerConnection, provider resource.Provider, mm *vm.MemoryManager, config Config, log *logging.Logger) *Context {
	if log == nil {
		log = logging.Default()
	}
	c := &Context{
		conn:          conn,
		provider:      provider,
		mm:            mm,
		config:        config,
		log:           log,
		glesRenderers: make(map[uint32]renderer.Gles),
	}
	c.post = vm.NewPostBuffer(vm.PostBufferSize, func(data []byte) error {
		return c.conn.Post(data)
	})
	return c
}

// Initialize sizes replay memory from the request. A volatile-memory
// sizing failure is fatal to the whole session.
func (c *Context) Initialize(request *ReplayRequest) error {
	if err := c.mm.SetVolatileMemory(uint64(request.VolatileMemorySize)); err != nil {
		c.log.Warningf("setting the volatile memory size failed (size: %d): %v",
			request.VolatileMemorySize, err)
		return fmt.Errorf("%w: %v", ErrVolatileMemory, err)
	}
	if err := c.mm.SetConstantMemory(request.ConstantMemory); err != nil {
		return err
	}
	c.request = request
	return nil
}

// resizable is implemented by cache providers whose capacity is derived
// from the session's memory layout.
type resizable interface {
	Resize(capacity uint64)
}

// Prefetch warms the resource provider with the request's manifest, bounded
// by the unused tail of replay memory. A resizable cache is sized to that
// tail here, once, before any fetch. Best effort; prefetch failures only
// cost later fetches.
func (c *Context) Prefetch() {
	if c.request == nil {
		return
	}
	if cache, ok := c.provider.(resizable); ok {
		cache.Resize(c.mm.UnusedTail())
	}
	if len(c.request.Resources) == 0 {
		return
	}
	c.log.Infof("prefetching %d resources...", len(c.request.Resources))
	c.provider.Prefetch(c.request.Resources, c.conn, c.mm.UnusedTail())
}

// Interpret constructs the interpreter, registers all builtins and runs the
// instruction stream, flushing the post buffer at the end. It returns false
// on the first failing instruction; there is no partial success.
func (c *Context) Interpret() bool {
	if c.request == nil {
		c.log.Errorf("interpret: %v", ErrNotInitialized)
		return false
	}

	onRequest := func(in *vm.Interpreter, api uint8) bool {
		if api != vm.ApiVulkan || c.config.NewVulkanRenderer == nil {
			return false
		}
		// There is only one Vulkan renderer, created when first requested.
		v, err := c.config.NewVulkanRenderer()
		if err != nil {
			c.log.Warningf("vulkan renderer creation failed: %v", err)
			return false
		}
		if !v.IsValid() {
			v.Close()
			return false
		}
		c.vulkan = v
		in.SetRendererFunctions(vm.ApiVulkan, v.FunctionTable())
		c.log.Infof("bound Vulkan renderer")
		return true
	}

	c.interp = vm.NewInterpreter(c.mm, int(c.request.StackSize), onRequest, c.log)
	c.registerBuiltins(c.interp)

	ok := c.interp.Run(c.request.Instructions)
	if ok {
		if err := c.post.Flush(); err != nil {
			c.log.Errorf("final post flush: %v", err)
			ok = false
		}
	}
	c.interp = nil
	return ok
}

// Close tears down every renderer the session created.
func (c *Context) Close() {
	if c.boundGles != nil {
		c.boundGles.Unbind()
		c.boundGles = nil
	}
	for id, r := range c.glesRenderers {
		r.Close()
		delete(c.glesRenderers, id)
	}
	if c.rootGles != nil {
		c.rootGles.Close()
		c.rootGles = nil
	}
	if c.vulkan != nil {
		c.vulkan.Close()
		c.vulkan = nil
	}
}

// OnDebugMessage relays backend debug output, tagged with the current
// instruction label so it can be correlated with the captured stream.
func (c *Context) OnDebugMessage(severity types.Severity, message string) {
	var label uint32
	if c.interp != nil {
		label = c.interp.Label()
	}
	message = strings.TrimSuffix(message, "\n")
	switch severity {
	case types.SeverityError:
		c.log.Errorf("renderer (%d): %s", label, message)
	case types.SeverityWarning:
		c.log.Warningf("renderer (%d): %s", label, message)
	default:
		c.log.Debugf("renderer (%d): %s", label, message)
	}
}

func (c *Context) registerBuiltins(in *vm.Interpreter) {
	// Cross-API functions for posting data and fetching resources.
	in.RegisterBuiltin(vm.ApiGlobal, vm.FuncPost, func(s *vm.Stack, _ bool) bool {
		return c.postData(s)
	})
	in.RegisterBuiltin(vm.ApiGlobal, vm.FuncResource, func(s *vm.Stack, _ bool) bool {
		return c.loadResource(s)
	})

	// Synthetic GLES-namespace functions.
	in.RegisterBuiltin(vm.ApiGles, FuncStartTimer, func(s *vm.Stack, _ bool) bool {
		return c.startTimer(s)
	})
	in.RegisterBuiltin(vm.ApiGles, FuncStopTimer, func(s *vm.Stack, pushReturn bool) bool {
		return c.stopTimer(s, pushReturn)
	})
	in.RegisterBuiltin(vm.ApiGles, FuncFlushPostBuffer, func(s *vm.Stack, _ bool) bool {
		return c.flushPostBuffer(s)
	})
	in.RegisterBuiltin(vm.ApiGles, FuncCreateRenderer, func(s *vm.Stack, _ bool) bool {
		return c.createRenderer(s)
	})
	in.RegisterBuiltin(vm.ApiGles, FuncBindRenderer, func(s *vm.Stack, _ bool) bool {
		return c.bindRenderer(in, s)
	})
	in.RegisterBuiltin(vm.ApiGles, FuncChangeBackbuffer, func(s *vm.Stack, _ bool) bool {
		return c.changeBackbuffer(s)
	})

	// Vulkan-namespace functions. All but instance creation require the
	// singleton to already exist.
	in.RegisterBuiltin(vm.ApiVulkan, FuncCreateVkInstance, func(s *vm.Stack, pushReturn bool) bool {
		c.log.Debugf("replayCreateVkInstance()")
		if c.vulkan != nil || in.RegisterApi(vm.ApiVulkan) {
			return c.vulkan.CreateInstance(s, pushReturn)
		}
		c.log.Warningf("replayCreateVkInstance called without a bound Vulkan renderer")
		return false
	})
	in.RegisterBuiltin(vm.ApiVulkan, FuncCreateVkDevice, c.vulkanBuiltinPR("replayCreateVkDevice",
		func(v renderer.Vulkan, s *vm.Stack, pushReturn bool) bool { return v.CreateDevice(s, pushReturn) }))
	in.RegisterBuiltin(vm.ApiVulkan, FuncRegisterVkInstance, c.vulkanBuiltin("replayRegisterVkInstance",
		renderer.Vulkan.RegisterInstance))
	in.RegisterBuiltin(vm.ApiVulkan, FuncUnregisterVkInstance, c.vulkanBuiltin("replayUnregisterVkInstance",
		renderer.Vulkan.UnregisterInstance))
	in.RegisterBuiltin(vm.ApiVulkan, FuncRegisterVkDevice, c.vulkanBuiltin("replayRegisterVkDevice",
		renderer.Vulkan.RegisterDevice))
	in.RegisterBuiltin(vm.ApiVulkan, FuncUnregisterVkDevice, c.vulkanBuiltin("replayUnregisterVkDevice",
		renderer.Vulkan.UnregisterDevice))
	in.RegisterBuiltin(vm.ApiVulkan, FuncRegisterVkCommandBuffers, c.vulkanBuiltin("replayRegisterVkCommandBuffers",
		renderer.Vulkan.RegisterCommandBuffers))
	in.RegisterBuiltin(vm.ApiVulkan, FuncUnregisterVkCommandBuffers, c.vulkanBuiltin("replayUnregisterVkCommandBuffers",
		renderer.Vulkan.UnregisterCommandBuffers))
	in.RegisterBuiltin(vm.ApiVulkan, FuncToggleVirtualSwapchainReturnAcquiredImage,
		c.vulkanBuiltin("toggleVirtualSwapchainReturnAcquiredImage",
			renderer.Vulkan.ToggleVirtualSwapchainReturnAcquiredImage))
	in.RegisterBuiltin(vm.ApiVulkan, FuncAllocateImageMemory, c.vulkanBuiltinPR("replayAllocateImageMemory",
		func(v renderer.Vulkan, s *vm.Stack, pushReturn bool) bool { return v.AllocateImageMemory(s, pushReturn) }))
	in.RegisterBuiltin(vm.ApiVulkan, FuncGetFenceStatus, c.vulkanBuiltinPR("replayGetFenceStatus",
		func(v renderer.Vulkan, s *vm.Stack, pushReturn bool) bool { return v.GetFenceStatus(s, pushReturn) }))
	in.RegisterBuiltin(vm.ApiVulkan, FuncGetEventStatus, c.vulkanBuiltinPR("replayGetEventStatus",
		func(v renderer.Vulkan, s *vm.Stack, pushReturn bool) bool { return v.GetEventStatus(s, pushReturn) }))
}

// vulkanBuiltin wraps an entry point that requires the Vulkan singleton.
func (c *Context) vulkanBuiltin(name string, fn func(renderer.Vulkan, *vm.Stack) bool) vm.Function {
	return func(s *vm.Stack, _ bool) bool {
		c.log.Debugf("%s()", name)
		if c.vulkan == nil {
			c.log.Warningf("%s called without a bound Vulkan renderer", name)
			return false
		}
		return fn(c.vulkan, s)
	}
}

// vulkanBuiltinPR is vulkanBuiltin for entry points that may push a return
// value.
func (c *Context) vulkanBuiltinPR(name string, fn func(renderer.Vulkan, *vm.Stack, bool) bool) vm.Function {
	return func(s *vm.Stack, pushReturn bool) bool {
		c.log.Debugf("%s()", name)
		if c.vulkan == nil {
			c.log.Warningf("%s called without a bound Vulkan renderer", name)
			return false
		}
		return fn(c.vulkan, s, pushReturn)
	}
}

// loadResource pops a resource index and a destination address, resolves
// the manifest entry and fills memory through the provider chain.
func (c *Context) loadResource(s *vm.Stack) bool {
	resourceIdx := s.PopUint32()
	address := s.PopPointer()

	if !s.IsValid() {
		c.log.Warningf("error during loadResource")
		return false
	}
	if int(resourceIdx) >= len(c.request.Resources) {
		c.log.Warningf("loadResource: resource index %d out of range", resourceIdx)
		return false
	}
	res := c.request.Resources[resourceIdx]

	dst, err := c.mm.Slice(address, uint64(res.Size), true)
	if err != nil {
		c.log.Warningf("loadResource: %v", err)
		return false
	}
	if err := c.provider.Get([]resource.Resource{res}, c.conn, dst); err != nil {
		c.log.Warningf("can't fetch resource %s: %v", res.ID, err)
		return false
	}
	return true
}

// postData pops a byte count and a source address and appends the bytes to
// the post buffer.
func (c *Context) postData(s *vm.Stack) bool {
	count := s.PopUint32()
	address := s.PopPointer()

	if !s.IsValid() {
		c.log.Warningf("error during postData")
		return false
	}
	data, err := c.mm.Slice(address, uint64(count), false)
	if err != nil {
		c.log.Warningf("postData: %v", err)
		return false
	}
	if err := c.post.Push(data); err != nil {
		c.log.Warningf("postData: %v", err)
		return false
	}
	return true
}

func (c *Context) flushPostBuffer(s *vm.Stack) bool {
	if !s.IsValid() {
		c.log.Warningf("error during flushPostBuffer")
		return false
	}
	if err := c.post.Flush(); err != nil {
		c.log.Warningf("flushPostBuffer: %v", err)
		return false
	}
	return true
}

// createRenderer pops a renderer id and creates a GLES renderer at it,
// destroying any previous holder of the id. All renderers share the object
// namespace of a lazily-created root renderer, so object ids are globally
// unique across bound contexts; correct replay only references objects
// valid in the currently bound context.
func (c *Context) createRenderer(s *vm.Stack) bool {
	id := s.PopUint32()
	if !s.IsValid() {
		c.log.Warningf("error during replayCreateRenderer")
		return false
	}
	c.log.Infof("replayCreateRenderer(%d)", id)

	if c.config.NewGlesRenderer == nil {
		c.log.Warningf("replayCreateRenderer: no GLES renderer factory configured")
		return false
	}
	if prev, ok := c.glesRenderers[id]; ok {
		if c.boundGles == prev {
			prev.Unbind()
			c.boundGles = nil
		}
		prev.Close()
		delete(c.glesRenderers, id)
	}
	if c.rootGles == nil {
		root, err := c.config.NewGlesRenderer(nil)
		if err != nil {
			c.log.Warningf("root renderer creation failed: %v", err)
			return false
		}
		c.rootGles = root
	}
	r, err := c.config.NewGlesRenderer(c.rootGles)
	if err != nil {
		c.log.Warningf("renderer %d creation failed: %v", id, err)
		return false
	}
	r.SetListener(c)
	c.glesRenderers[id] = r
	return true
}

// bindRenderer pops a renderer id and makes it the single bound renderer,
// repointing the interpreter's GLES function table at it.
func (c *Context) bindRenderer(in *vm.Interpreter, s *vm.Stack) bool {
	id := s.PopUint32()
	if !s.IsValid() {
		c.log.Warningf("error during replayBindRenderer")
		return false
	}
	c.log.Debugf("replayBindRenderer(%d)", id)

	r, ok := c.glesRenderers[id]
	if !ok {
		c.log.Warningf("replayBindRenderer: no renderer with id %d", id)
		return false
	}
	if c.boundGles != nil {
		c.boundGles.Unbind()
		c.boundGles = nil
	}
	c.boundGles = r
	c.boundGles.Bind()
	in.SetRendererFunctions(vm.ApiGles, r.FunctionTable())
	c.log.Debugf("bound renderer %d: %s - %s", id, r.Name(), r.Version())
	return true
}

// changeBackbuffer reconfigures the bound renderer's backbuffer. The pop
// order below is a format contract with the capture producer and must not
// be reordered.
func (c *Context) changeBackbuffer(s *vm.Stack) bool {
	resetViewportScissor := s.PopBool()
	var bb renderer.Backbuffer
	bb.StencilFormat = s.PopUint32()
	bb.DepthFormat = s.PopUint32()
	bb.ColorFormat = s.PopUint32()
	bb.Height = s.PopInt32()
	bb.Width = s.PopInt32()

	if !s.IsValid() {
		c.log.Warningf("error during replayChangeBackbuffer")
		return false
	}
	c.log.Infof("changeBackbuffer(%d, %d, 0x%x, 0x%x, 0x%x, %t)",
		bb.Width, bb.Height, bb.ColorFormat, bb.DepthFormat, bb.StencilFormat,
		resetViewportScissor)
	if c.boundGles == nil {
		c.log.Infof("changeBackbuffer called without a bound renderer")
		return false
	}
	c.boundGles.SetBackbuffer(bb)
	if resetViewportScissor {
		c.boundGles.Viewport(0, 0, bb.Width, bb.Height)
		c.boundGles.Scissor(0, 0, bb.Width, bb.Height)
	}
	return true
}

// startTimer pops a timer index and starts the timer. An out-of-range
// index is a non-fatal failure.
func (c *Context) startTimer(s *vm.Stack) bool {
	index := int(s.PopUint8())
	if !s.IsValid() {
		c.log.Warningf("error while calling function startTimer")
		return false
	}
	if index >= MaxTimers {
		c.log.Warningf("startTimer called with invalid index %d", index)
		return false
	}
	c.log.Infof("startTimer(%d)", index)
	c.timers[index].Start()
	return true
}

// stopTimer pops a timer index and stops the timer, pushing the elapsed
// nanoseconds when the caller requested a return value.
func (c *Context) stopTimer(s *vm.Stack, pushReturn bool) bool {
	index := int(s.PopUint8())
	if !s.IsValid() {
		c.log.Warningf("error while calling function stopTimer")
		return false
	}
	if index >= MaxTimers {
		c.log.Warningf("stopTimer called with invalid index %d", index)
		return false
	}
	c.log.Infof("stopTimer(%d)", index)
	ns := c.timers[index].Stop()
	if pushReturn {
		s.PushUint64(ns)
	}
	return true
}
