package backend

import (
	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// LoopToken is a compiled loop or bridge.
type LoopToken struct {
	Name string
	// Entry is the bootstrap, entered from Go through Execute.
	Entry uintptr
	// BodyAddr is where jumps and patched guards enter, with the inputs
	// already in their locations.
	BodyAddr   uintptr
	Inputs     []location.Location
	InputKinds []trace.Kind
	// FrameDepth is the number of spill positions this unit uses.
	FrameDepth int
	// ParamDepth is the bytes of outgoing stack arguments this unit needs.
	ParamDepth  int
	Guards      []int
	Fingerprint trace.Fingerprint
	// Parent is the guard index a bridge is attached to, or -1 for loops.
	Parent int

	family     *family
	paramPatch uintptr
}

// IsBridge reports whether the token was compiled by AssembleBridge.
func (t *LoopToken) IsBridge() bool { return t.Parent >= 0 }

// RequiredFrameDepth is the spill depth a frame needs to run this token,
// covering every bridge attached to its loop so far.
func (t *LoopToken) RequiredFrameDepth() int { return t.family.frameDepth }

// RequiredParamDepth is the outgoing argument area every bootstrap of the
// loop reserves.
func (t *LoopToken) RequiredParamDepth() int { return t.family.paramDepth }

// family is a loop with its bridges. They share one frame and one native
// stack layout, so the deepest member decides for all.
type family struct {
	frameDepth int
	paramDepth int
	// subs are the immediates of every member's sub rsp, imm32.
	subs []uintptr
}
