package recovery

// Frame layout, in 64-bit slots from the frame base held in RBP.
const (
	// SlotBytecode receives the address of the failing guard's bytecode.
	SlotBytecode = 0
	// SlotSavedSP holds the stack pointer right after the bootstrap pushed
	// the callee-saved registers.
	SlotSavedSP = 1
	// SlotCallSite holds the return address of the collecting call in
	// progress, for root-map lookup.
	SlotCallSite = 2
	// GPRBase is the dump area for the 16 general-purpose registers.
	GPRBase = 3
	// XMMBase is the dump area for the 16 XMM registers, two slots each.
	XMMBase = GPRBase + 16
	// FixedSize is the first spill position.
	FixedSize = XMMBase + 32
)

func GPRSlot(r int) int   { return GPRBase + r }
func XMMSlot(x int) int   { return XMMBase + 2*x }
func StackSlot(p int) int { return FixedSize + p }

// Offset returns the byte displacement of slot from the frame base.
func Offset(slot int) int32 { return int32(slot * 8) }

// FrameSize is the number of slots needed for a given spill depth.
func FrameSize(stackDepth int) int { return FixedSize + stackDepth }
