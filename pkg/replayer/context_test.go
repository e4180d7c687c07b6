package replayer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/gfx-replay/internal/types"
	"github.com/fortiblox/gfx-replay/pkg/renderer"
	"github.com/fortiblox/gfx-replay/pkg/resource"
	"github.com/fortiblox/gfx-replay/pkg/vm"
)

// fakeConn records posted batches and serves resource payloads by id.
type fakeConn struct {
	posts    [][]byte
	payloads map[types.ResourceID][]byte
	postErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{payloads: make(map[types.ResourceID][]byte)}
}

func (f *fakeConn) addResource(data []byte) resource.Resource {
	id, err := types.HashResource(types.HashBlake3, data)
	if err != nil {
		panic(err)
	}
	f.payloads[id] = data
	return resource.Resource{ID: id, Size: uint32(len(data))}
}

func (f *fakeConn) Post(data []byte) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.posts = append(f.posts, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) FetchResources(ids []types.ResourceID) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		data, ok := f.payloads[id]
		if !ok {
			return nil, errors.New("unknown resource " + id.String())
		}
		out[i] = data
	}
	return out, nil
}

// fakeGles records lifecycle calls.
type fakeGles struct {
	shared      renderer.Gles
	bound       bool
	closed      bool
	binds       int
	unbinds     int
	backbuffers []renderer.Backbuffer
	viewports   [][4]int32
	scissors    [][4]int32
	nativeCalls []uint16
	listener    renderer.DebugListener
}

func (g *fakeGles) Bind()   { g.bound = true; g.binds++ }
func (g *fakeGles) Unbind() { g.bound = false; g.unbinds++ }

func (g *fakeGles) SetBackbuffer(bb renderer.Backbuffer) {
	g.backbuffers = append(g.backbuffers, bb)
}

func (g *fakeGles) Viewport(x, y, w, h int32) {
	g.viewports = append(g.viewports, [4]int32{x, y, w, h})
}

func (g *fakeGles) Scissor(x, y, w, h int32) {
	g.scissors = append(g.scissors, [4]int32{x, y, w, h})
}

func (g *fakeGles) Name() string    { return "fake-gles" }
func (g *fakeGles) Version() string { return "0.0" }

func (g *fakeGles) SetListener(l renderer.DebugListener) { g.listener = l }

func (g *fakeGles) FunctionTable() vm.FunctionTable {
	return func(function uint16) (vm.Function, bool) {
		return func(s *vm.Stack, pushReturn bool) bool {
			g.nativeCalls = append(g.nativeCalls, function)
			if pushReturn {
				s.PushUint32(0)
			}
			return true
		}, true
	}
}

func (g *fakeGles) Close() { g.closed = true }

// glesTracker hands out fakeGles instances and remembers them.
type glesTracker struct {
	created []*fakeGles
}

func (t *glesTracker) factory(shared renderer.Gles) (renderer.Gles, error) {
	g := &fakeGles{shared: shared}
	t.created = append(t.created, g)
	return g, nil
}

// fakeVulkan records which entry points ran.
type fakeVulkan struct {
	valid  bool
	closed bool
	calls  []string
}

func (v *fakeVulkan) IsValid() bool { return v.valid }

func (v *fakeVulkan) FunctionTable() vm.FunctionTable {
	return func(function uint16) (vm.Function, bool) {
		return func(s *vm.Stack, _ bool) bool {
			v.calls = append(v.calls, "native")
			return true
		}, true
	}
}

func (v *fakeVulkan) record(name string) bool {
	v.calls = append(v.calls, name)
	return true
}

func (v *fakeVulkan) CreateInstance(s *vm.Stack, _ bool) bool { return v.record("CreateInstance") }
func (v *fakeVulkan) CreateDevice(s *vm.Stack, _ bool) bool   { return v.record("CreateDevice") }
func (v *fakeVulkan) RegisterInstance(s *vm.Stack) bool       { return v.record("RegisterInstance") }
func (v *fakeVulkan) UnregisterInstance(s *vm.Stack) bool     { return v.record("UnregisterInstance") }
func (v *fakeVulkan) RegisterDevice(s *vm.Stack) bool         { return v.record("RegisterDevice") }
func (v *fakeVulkan) UnregisterDevice(s *vm.Stack) bool       { return v.record("UnregisterDevice") }
func (v *fakeVulkan) RegisterCommandBuffers(s *vm.Stack) bool {
	return v.record("RegisterCommandBuffers")
}
func (v *fakeVulkan) UnregisterCommandBuffers(s *vm.Stack) bool {
	return v.record("UnregisterCommandBuffers")
}
func (v *fakeVulkan) ToggleVirtualSwapchainReturnAcquiredImage(s *vm.Stack) bool {
	return v.record("ToggleVirtualSwapchain")
}
func (v *fakeVulkan) AllocateImageMemory(s *vm.Stack, _ bool) bool {
	return v.record("AllocateImageMemory")
}
func (v *fakeVulkan) GetFenceStatus(s *vm.Stack, _ bool) bool { return v.record("GetFenceStatus") }
func (v *fakeVulkan) GetEventStatus(s *vm.Stack, _ bool) bool { return v.record("GetEventStatus") }
func (v *fakeVulkan) Close()                                  { v.closed = true }

type testSession struct {
	conn    *fakeConn
	tracker *glesTracker
	vulkan  *fakeVulkan
	mm      *vm.MemoryManager
	ctx     *Context
}

func newTestSession(t *testing.T, request *ReplayRequest) *testSession {
	t.Helper()
	mm, err := vm.NewMemoryManager([]uint64{1 << 20})
	if err != nil {
		t.Fatalf("NewMemoryManager() failed: %v", err)
	}
	conn := newFakeConn()
	tracker := &glesTracker{}
	vk := &fakeVulkan{valid: true}
	ctx := New(conn, resource.NewRequester(), mm, Config{
		NewGlesRenderer:   tracker.factory,
		NewVulkanRenderer: func() (renderer.Vulkan, error) { return vk, nil },
	}, nil)
	if err := ctx.Initialize(request); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return &testSession{conn: conn, tracker: tracker, vulkan: vk, mm: mm, ctx: ctx}
}

func baseRequest(instructions []uint32) *ReplayRequest {
	return &ReplayRequest{
		StackSize:          64,
		VolatileMemorySize: 4096,
		HashScheme:         types.HashBlake3,
		Instructions:       instructions,
	}
}

// TestContextCreateBindBackbuffer replays a renderer setup sequence and
// checks the calls that reach the backend.
func TestContextCreateBindBackbuffer(t *testing.T) {
	program := []uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncCreateRenderer, false),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncBindRenderer, false),
		// Backbuffer operands, pushed in the producer's order.
		vm.EncodeTyped(vm.OpPushI, vm.TypeInt32, 800),     // width
		vm.EncodeTyped(vm.OpPushI, vm.TypeInt32, 600),     // height
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 0x8058), // color RGBA8
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 0x81A5), // depth 16
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 0x8D48), // stencil 8
		vm.EncodeTyped(vm.OpPushI, vm.TypeBool, 1),        // reset viewport
		vm.EncodeCall(vm.ApiGles, FuncChangeBackbuffer, false),
		// A native GLES call dispatches through the bound renderer's table.
		vm.EncodeCall(vm.ApiGles, 17, false),
	}
	s := newTestSession(t, baseRequest(program))
	defer s.ctx.Close()

	if !s.ctx.Interpret() {
		t.Fatal("Interpret() = false, want true")
	}

	// One root renderer plus the created one.
	if got := len(s.tracker.created); got != 2 {
		t.Fatalf("created %d renderers, want 2 (root + one)", got)
	}
	root, r := s.tracker.created[0], s.tracker.created[1]
	if root.shared != nil {
		t.Error("root renderer was created with a shared parent")
	}
	if r.shared != root {
		t.Error("session renderer does not share the root's namespace")
	}
	if !r.bound || r.binds != 1 {
		t.Errorf("renderer bound=%t binds=%d, want bound with 1 bind", r.bound, r.binds)
	}
	if len(r.backbuffers) != 1 {
		t.Fatalf("SetBackbuffer called %d times, want 1", len(r.backbuffers))
	}
	bb := r.backbuffers[0]
	want := renderer.Backbuffer{Width: 800, Height: 600, ColorFormat: 0x8058, DepthFormat: 0x81A5, StencilFormat: 0x8D48}
	if bb != want {
		t.Errorf("backbuffer = %+v, want %+v", bb, want)
	}
	if len(r.viewports) != 1 || r.viewports[0] != [4]int32{0, 0, 800, 600} {
		t.Errorf("viewport calls = %v, want one (0,0,800,600)", r.viewports)
	}
	if len(r.scissors) != 1 || r.scissors[0] != [4]int32{0, 0, 800, 600} {
		t.Errorf("scissor calls = %v, want one (0,0,800,600)", r.scissors)
	}
	if len(r.nativeCalls) != 1 || r.nativeCalls[0] != 17 {
		t.Errorf("native calls = %v, want [17]", r.nativeCalls)
	}
}

func TestContextBackbufferWithoutBoundRenderer(t *testing.T) {
	program := []uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeInt32, 800),
		vm.EncodeTyped(vm.OpPushI, vm.TypeInt32, 600),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 0),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 0),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 0),
		vm.EncodeTyped(vm.OpPushI, vm.TypeBool, 0),
		vm.EncodeCall(vm.ApiGles, FuncChangeBackbuffer, false),
	}
	s := newTestSession(t, baseRequest(program))
	defer s.ctx.Close()

	if s.ctx.Interpret() {
		t.Error("Interpret() = true with no bound renderer, want false")
	}
}

func TestContextBindUnknownRenderer(t *testing.T) {
	program := []uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 3),
		vm.EncodeCall(vm.ApiGles, FuncBindRenderer, false),
	}
	s := newTestSession(t, baseRequest(program))
	defer s.ctx.Close()

	if s.ctx.Interpret() {
		t.Error("Interpret() = true for unknown renderer id, want false")
	}
}

// TestContextRecreateRenderer verifies re-creating an id destroys the
// previous holder and unbinds it first if bound.
func TestContextRecreateRenderer(t *testing.T) {
	program := []uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncCreateRenderer, false),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncBindRenderer, false),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncCreateRenderer, false),
	}
	s := newTestSession(t, baseRequest(program))
	defer s.ctx.Close()

	if !s.ctx.Interpret() {
		t.Fatal("Interpret() = false, want true")
	}
	if got := len(s.tracker.created); got != 3 {
		t.Fatalf("created %d renderers, want 3 (root + two at id 1)", got)
	}
	first := s.tracker.created[1]
	if !first.closed {
		t.Error("previous holder of the id was not closed")
	}
	if first.unbinds != 1 {
		t.Errorf("previous holder unbinds = %d, want 1", first.unbinds)
	}
	second := s.tracker.created[2]
	if second.closed {
		t.Error("replacement renderer was closed during the run")
	}
}

// TestContextResourceLoad replays a Resource instruction and checks the
// payload lands at the popped address.
func TestContextResourceLoad(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5}, 128)
	request := baseRequest(nil)
	conn := newFakeConn()
	res := conn.addResource(payload)
	request.Resources = []resource.Resource{res}
	request.Instructions = []uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeVolatilePointer, 64),
		vm.EncodeOp(vm.OpResource, 0),
	}

	s := newTestSession(t, request)
	defer s.ctx.Close()
	s.ctx.conn = conn // session must serve from this manifest's fetcher

	if !s.ctx.Interpret() {
		t.Fatal("Interpret() = false, want true")
	}
	mem, err := s.mm.Slice(s.mm.VolatileBase()+64, 128, false)
	if err != nil {
		t.Fatalf("Slice() failed: %v", err)
	}
	if !bytes.Equal(mem, payload) {
		t.Error("resource payload did not reach volatile memory")
	}
}

func TestContextResourceIndexOutOfRange(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeVolatilePointer, 0),
		vm.EncodeOp(vm.OpResource, 5),
	})
	s := newTestSession(t, request)
	defer s.ctx.Close()

	if s.ctx.Interpret() {
		t.Error("Interpret() = true for out-of-range resource index, want false")
	}
}

// TestContextPostData posts bytes from constant memory and checks they are
// flushed to the connection when the run ends.
func TestContextPostData(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeConstantPointer, 0),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 4),
		vm.EncodeOp(vm.OpPost, 0),
	})
	request.ConstantMemory = []byte{9, 8, 7, 6}
	s := newTestSession(t, request)
	defer s.ctx.Close()

	if !s.ctx.Interpret() {
		t.Fatal("Interpret() = false, want true")
	}
	if len(s.conn.posts) != 1 || !bytes.Equal(s.conn.posts[0], []byte{9, 8, 7, 6}) {
		t.Errorf("posted batches = %v, want [[9 8 7 6]]", s.conn.posts)
	}
}

func TestContextPostFlushFailureFailsRun(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeConstantPointer, 0),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 2),
		vm.EncodeOp(vm.OpPost, 0),
	})
	request.ConstantMemory = []byte{1, 2}
	s := newTestSession(t, request)
	defer s.ctx.Close()
	s.conn.postErr = errors.New("transport down")

	if s.ctx.Interpret() {
		t.Error("Interpret() = true despite failing final flush, want false")
	}
}

// TestContextTimers stops an idle timer with a requested return value and
// checks zero elapsed nanoseconds land in volatile memory.
func TestContextTimers(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint8, 2),
		vm.EncodeCall(vm.ApiGles, FuncStartTimer, false),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint8, 3),
		vm.EncodeCall(vm.ApiGles, FuncStopTimer, true), // idle timer: 0 ns
		vm.EncodeOp(vm.OpStoreV, 0),
	})
	s := newTestSession(t, request)
	defer s.ctx.Close()

	if !s.ctx.Interpret() {
		t.Fatal("Interpret() = false, want true")
	}
	mem, err := s.mm.Slice(s.mm.VolatileBase(), 8, false)
	if err != nil {
		t.Fatalf("Slice() failed: %v", err)
	}
	if got := binary.LittleEndian.Uint64(mem); got != 0 {
		t.Errorf("idle timer elapsed = %d ns, want 0", got)
	}
}

func TestContextTimerIndexOutOfRange(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint8, MaxTimers+1),
		vm.EncodeCall(vm.ApiGles, FuncStartTimer, false),
	})
	s := newTestSession(t, request)
	defer s.ctx.Close()

	if s.ctx.Interpret() {
		t.Error("Interpret() = true for timer index past MaxTimers, want false")
	}
}

// TestContextVulkanLazyCreation verifies the Vulkan singleton is created on
// first reference and reused afterwards.
func TestContextVulkanLazyCreation(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeCall(vm.ApiVulkan, FuncCreateVkInstance, false),
		vm.EncodeCall(vm.ApiVulkan, FuncRegisterVkDevice, false),
		vm.EncodeCall(vm.ApiVulkan, 7, false), // native entry point
	})
	s := newTestSession(t, request)
	defer s.ctx.Close()

	if !s.ctx.Interpret() {
		t.Fatal("Interpret() = false, want true")
	}
	want := []string{"CreateInstance", "RegisterDevice", "native"}
	if len(s.vulkan.calls) != len(want) {
		t.Fatalf("vulkan calls = %v, want %v", s.vulkan.calls, want)
	}
	for i := range want {
		if s.vulkan.calls[i] != want[i] {
			t.Errorf("vulkan call %d = %q, want %q", i, s.vulkan.calls[i], want[i])
		}
	}
}

func TestContextVulkanBuiltinBeforeCreate(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeCall(vm.ApiVulkan, FuncGetFenceStatus, true),
	})
	mm, err := vm.NewMemoryManager([]uint64{1 << 20})
	if err != nil {
		t.Fatalf("NewMemoryManager() failed: %v", err)
	}
	// No Vulkan factory configured: the singleton can never come up.
	ctx := New(newFakeConn(), resource.NewRequester(), mm, Config{
		NewGlesRenderer: (&glesTracker{}).factory,
	}, nil)
	defer ctx.Close()
	if err := ctx.Initialize(request); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if ctx.Interpret() {
		t.Error("Interpret() = true for Vulkan builtin with no backend, want false")
	}
}

func TestContextCreateRendererWithoutFactory(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncCreateRenderer, false),
	})
	mm, err := vm.NewMemoryManager([]uint64{1 << 20})
	if err != nil {
		t.Fatalf("NewMemoryManager() failed: %v", err)
	}
	ctx := New(newFakeConn(), resource.NewRequester(), mm, Config{}, nil)
	defer ctx.Close()
	if err := ctx.Initialize(request); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if ctx.Interpret() {
		t.Error("Interpret() = true with no GLES factory, want false")
	}
}

func TestContextInvalidVulkanBackendRejected(t *testing.T) {
	request := baseRequest([]uint32{
		vm.EncodeCall(vm.ApiVulkan, FuncCreateVkInstance, false),
	})
	s := newTestSession(t, request)
	defer s.ctx.Close()
	s.vulkan.valid = false

	if s.ctx.Interpret() {
		t.Error("Interpret() = true with an invalid Vulkan backend, want false")
	}
	if !s.vulkan.closed {
		t.Error("invalid Vulkan backend was not closed")
	}
}

func TestContextClose(t *testing.T) {
	program := []uint32{
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncCreateRenderer, false),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 2),
		vm.EncodeCall(vm.ApiGles, FuncCreateRenderer, false),
		vm.EncodeTyped(vm.OpPushI, vm.TypeUint32, 1),
		vm.EncodeCall(vm.ApiGles, FuncBindRenderer, false),
		vm.EncodeCall(vm.ApiVulkan, FuncCreateVkInstance, false),
	}
	s := newTestSession(t, baseRequest(program))

	if !s.ctx.Interpret() {
		t.Fatal("Interpret() = false, want true")
	}
	s.ctx.Close()

	for i, g := range s.tracker.created {
		if !g.closed {
			t.Errorf("renderer %d not closed", i)
		}
		if g.bound {
			t.Errorf("renderer %d still bound after Close", i)
		}
	}
	if !s.vulkan.closed {
		t.Error("vulkan backend not closed")
	}
}

func TestContextInitializeVolatileFailure(t *testing.T) {
	mm, err := vm.NewMemoryManager([]uint64{1 << 16})
	if err != nil {
		t.Fatalf("NewMemoryManager() failed: %v", err)
	}
	ctx := New(newFakeConn(), resource.NewRequester(), mm, Config{}, nil)
	request := baseRequest(nil)
	request.VolatileMemorySize = 1 << 20 // larger than the whole arena
	if err := ctx.Initialize(request); !errors.Is(err, ErrVolatileMemory) {
		t.Errorf("Initialize() = %v, want ErrVolatileMemory", err)
	}
}

func TestContextInterpretWithoutInitialize(t *testing.T) {
	mm, err := vm.NewMemoryManager([]uint64{1 << 16})
	if err != nil {
		t.Fatalf("NewMemoryManager() failed: %v", err)
	}
	ctx := New(newFakeConn(), resource.NewRequester(), mm, Config{}, nil)
	if ctx.Interpret() {
		t.Error("Interpret() = true before Initialize, want false")
	}
}
