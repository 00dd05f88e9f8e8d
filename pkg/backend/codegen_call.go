package backend

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/recovery"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// Calls out of generated code, System V AMD64:
//   int/ref args: RDI, RSI, RDX, RCX, R8, R9, then the stack
//   float args:   XMM0-XMM7, then the stack
//   result:       RAX or XMM0
// Stack arguments go to the outgoing area at [rsp], which the bootstrap
// reserved; RSP is 16-byte aligned at every call.

type nativeCall struct {
	target trace.Value
	args   []trace.Value
	// collect means the callee may run the collector.
	collect      bool
	result       *trace.Box
	resultSize   int
	resultSigned bool
}

// emitCall: call(target, args...) with a CallDescr giving the argument kinds.
func (c *compiler) emitCall(i int, op *trace.Operation) error {
	d, ok := op.Descr.(*trace.CallDescr)
	if !ok {
		return errors.InvalidTracef(op.Opcode.String(), "missing call descriptor")
	}
	if len(op.Args) != 1+len(d.ArgKinds) {
		return errors.InvalidTracef(op.Opcode.String(), "%s takes %d arguments, got %d", d.Name, len(d.ArgKinds), len(op.Args)-1)
	}
	for k, kind := range d.ArgKinds {
		if got := op.Args[1+k].Kind(); got != kind {
			return errors.InvalidTracef(op.Opcode.String(), "argument %d of %s is %s, want %s", k, d.Name, got, kind)
		}
	}
	c.emitNativeCall(i, nativeCall{
		target:       op.Args[0],
		args:         op.Args[1:],
		collect:      d.CanCollect,
		result:       op.Result,
		resultSize:   d.ResultSize,
		resultSigned: d.ResultSigned,
	})
	return nil
}

// emitNew calls the configured allocation routine.
func (c *compiler) emitNew(i int, op *trace.Operation) error {
	call := nativeCall{collect: true, result: op.Result}
	switch op.Opcode {
	case trace.New:
		d, ok := op.Descr.(*trace.SizeDescr)
		if !ok {
			return errors.InvalidTracef(op.Opcode.String(), "missing size descriptor")
		}
		if c.b.malloc.Fixed == 0 {
			return errors.Unimplementedf(op.Opcode.String(), "no fixed-size allocation routine configured")
		}
		call.target = trace.ConstInt{Value: int64(c.b.malloc.Fixed)}
		call.args = []trace.Value{trace.ConstInt{Value: int64(d.Size)}}
	default:
		d, ok := op.Descr.(*trace.ArrayDescr)
		if !ok {
			return errors.InvalidTracef(op.Opcode.String(), "missing array descriptor")
		}
		if c.b.malloc.Array == 0 {
			return errors.Unimplementedf(op.Opcode.String(), "no array allocation routine configured")
		}
		call.target = trace.ConstInt{Value: int64(c.b.malloc.Array)}
		call.args = []trace.Value{
			trace.ConstInt{Value: int64(d.BaseSize)},
			trace.ConstInt{Value: int64(d.ItemSize)},
			trace.ConstInt{Value: int64(d.LengthOffset)},
			op.Arg(0),
		}
	}
	c.emitNativeCall(i, call)
	return nil
}

func (c *compiler) emitNativeCall(i int, call nativeCall) {
	saved := c.savedAcrossCall(i, call.collect)
	for _, b := range saved {
		c.saveReg(b)
	}

	// classify
	var regArgs []trace.Value
	var regDst []int
	var stackArgs []trace.Value
	nInt, nFloat := 0, 0
	for _, a := range call.args {
		if a.Kind() == trace.Float {
			if nFloat < numFloatArgRegs {
				regArgs = append(regArgs, a)
				regDst = append(regDst, nFloat)
				nFloat++
				continue
			}
		} else if nInt < len(intArgRegs) {
			regArgs = append(regArgs, a)
			regDst = append(regDst, int(intArgRegs[nInt]))
			nInt++
			continue
		}
		stackArgs = append(stackArgs, a)
	}
	c.paramDepth = max(c.paramDepth, (8*len(stackArgs)+15)&^15)

	// Every source is read before any argument register is written: push
	// the target and register arguments, store the stack arguments past
	// the pushes, then pop into place.
	c.pushValue(call.target)
	for _, a := range regArgs {
		c.pushValue(a)
	}
	pushed := 8 * (1 + len(regArgs))
	for k, a := range stackArgs {
		c.load(ScratchReg1, a)
		c.asm.MovMemReg(x86.At(x86.RSP, int32(pushed+8*k)), ScratchReg1)
	}
	for k := len(regArgs) - 1; k >= 0; k-- {
		if regArgs[k].Kind() == trace.Float {
			c.asm.Pop(ScratchReg1)
			c.asm.MovqXmmReg(x86.XMM(regDst[k]), ScratchReg1)
		} else {
			c.asm.Pop(x86.Reg(regDst[k]))
		}
	}
	c.asm.Pop(ScratchReg1)

	if call.collect {
		c.emitCollectingCall(i)
	} else {
		c.asm.CallReg(ScratchReg1)
	}

	if r := call.result; r != nil && r.Kind() == trace.Float {
		c.asm.MovsdRegReg(FloatScratch2, x86.XMM(0))
	} else if r != nil {
		switch call.resultSize {
		case 1, 2, 4:
			c.asm.Extend(ScratchReg1, call.resultSize, call.resultSigned)
		}
	}
	for _, b := range saved {
		c.restoreReg(b)
	}
	if r := call.result; r != nil && r.Kind() == trace.Float {
		c.storeF(r, FloatScratch2)
	} else if r != nil {
		c.store(r, ScratchReg1)
	}
}

// emitCollectingCall records the return address in the frame and a root
// map for it. The lea, the store and the call are one group so the lea's
// displacement reaches the end of the call.
func (c *compiler) emitCollectingCall(i int) {
	var slots []int
	live := c.live.liveAfter(i)
	for n, ok := live.NextSet(0); ok; n, ok = live.NextSet(n + 1) {
		b := c.live.box(n)
		if b == nil || b.Kind() != trace.Ref {
			continue
		}
		l := c.a[b]
		switch {
		case l.IsReg():
			slots = append(slots, recovery.GPRSlot(l.Num))
		case l.IsStack():
			slots = append(slots, recovery.StackSlot(l.Num))
		}
	}

	c.asm.BeginGroup()
	disp := c.asm.LeaRIP(ScratchReg4, 0)
	start := c.asm.GroupLen()
	c.asm.MovMemReg(frameMem(recovery.SlotCallSite), ScratchReg4)
	c.asm.CallReg(ScratchReg1)
	c.asm.PatchGroupInt32(disp, int32(c.asm.GroupLen()-start))
	c.asm.EndGroup()

	c.roots = append(c.roots, rootSite{retAddr: c.asm.Tell(), slots: slots})
}

// savedAcrossCall returns the boxes live after call i that sit in registers
// the callee may clobber. Around a collecting call every reference in a
// register is included, so the collector sees it in the frame and the
// reload picks up a moved object.
func (c *compiler) savedAcrossCall(i int, collect bool) []*trace.Box {
	var out []*trace.Box
	live := c.live.liveAfter(i)
	for n, ok := live.NextSet(0); ok; n, ok = live.NextSet(n + 1) {
		b := c.live.box(n)
		l := c.a[b]
		if !l.IsReg() {
			continue
		}
		if b.Kind() == trace.Float || isCallerSaved(x86.Reg(l.Num)) || (collect && b.Kind() == trace.Ref) {
			out = append(out, b)
		}
	}
	return out
}

func (c *compiler) saveReg(b *trace.Box) {
	n := c.a[b].Num
	if b.Kind() == trace.Float {
		c.asm.MovsdMemReg(frameMem(recovery.XMMSlot(n)), x86.XMM(n))
		return
	}
	c.asm.MovMemReg(frameMem(recovery.GPRSlot(n)), x86.Reg(n))
}

func (c *compiler) restoreReg(b *trace.Box) {
	n := c.a[b].Num
	if b.Kind() == trace.Float {
		c.asm.MovsdRegMem(x86.XMM(n), frameMem(recovery.XMMSlot(n)))
		return
	}
	c.asm.MovRegMem(x86.Reg(n), frameMem(recovery.GPRSlot(n)))
}

// pushValue pushes the 64 bits of v.
func (c *compiler) pushValue(v trace.Value) {
	if l := c.a.Of(v); l.IsReg() && v.Kind() != trace.Float {
		c.asm.Push(x86.Reg(l.Num))
		return
	}
	c.load(ScratchReg1, v)
	c.asm.Push(ScratchReg1)
}

func slotSet(slots []int) *bitset.BitSet {
	set := bitset.New(uint(recovery.FixedSize))
	for _, s := range slots {
		set.Set(uint(s))
	}
	return set
}
