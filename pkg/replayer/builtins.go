package replayer

// Builtin function ids. Builtins occupy the top of each API's 16-bit
// function-id space, clear of the driver entry points the capture producer
// assigns from zero.
const (
	// GLES-namespace builtins.
	FuncStartTimer        uint16 = 0xFF00
	FuncStopTimer         uint16 = 0xFF01
	FuncFlushPostBuffer   uint16 = 0xFF02
	FuncCreateRenderer    uint16 = 0xFF03
	FuncBindRenderer      uint16 = 0xFF04
	FuncChangeBackbuffer  uint16 = 0xFF05

	// Vulkan-namespace builtins.
	FuncCreateVkInstance                          uint16 = 0xFF10
	FuncCreateVkDevice                            uint16 = 0xFF11
	FuncRegisterVkInstance                        uint16 = 0xFF12
	FuncUnregisterVkInstance                      uint16 = 0xFF13
	FuncRegisterVkDevice                          uint16 = 0xFF14
	FuncUnregisterVkDevice                        uint16 = 0xFF15
	FuncRegisterVkCommandBuffers                  uint16 = 0xFF16
	FuncUnregisterVkCommandBuffers                uint16 = 0xFF17
	FuncToggleVirtualSwapchainReturnAcquiredImage uint16 = 0xFF18
	FuncAllocateImageMemory                       uint16 = 0xFF19
	FuncGetFenceStatus                            uint16 = 0xFF1A
	FuncGetEventStatus                            uint16 = 0xFF1B
)
