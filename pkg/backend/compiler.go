package backend

import (
	"encoding/hex"
	"fmt"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/recovery"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// compiler holds the state of one loop or bridge while it is assembled.
// Guards and root maps are collected here and published only when the
// whole unit assembled.
type compiler struct {
	b    *Backend
	asm  *x86.Assembler
	t    *trace.Trace
	a    location.Assignment
	live *liveness
	tok  *LoopToken

	// constInputs are bridge inputs the guard knew as constants; the body
	// materializes them.
	constInputs map[int]trace.Value

	guards     []*GuardDescr
	roots      []rootSite
	paramDepth int

	// fusedBox is a comparison result that only exists in the flags, with
	// the condition that means true.
	fusedBox  *trace.Box
	fusedCond x86.Cond
}

type rootSite struct {
	retAddr uintptr
	slots   []int
}

// AssembleLoop compiles t. A trace ending in jump loops back to its own body
// or to another compiled loop of the same family; a trace ending in finish
// returns through its final failure index.
func (b *Backend) AssembleLoop(t *trace.Trace, a location.Assignment) (*LoopToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := t.Validate(); err != nil {
		return nil, errors.InvalidTracef("validate", "%v", err)
	}
	tok := b.newToken(t, &family{}, -1)
	c := b.newCompiler(t, a, tok)
	if err := c.assemble(); err != nil {
		return nil, fmt.Errorf("assemble loop %s: %w", tok.Name, err)
	}
	if err := b.commit(c); err != nil {
		return nil, err
	}
	if t.Token != nil {
		b.loops[t.Token] = tok
	}
	b.stats.Loops++
	b.log.Info().
		Str("loop", tok.Name).
		Str("fingerprint", tok.Fingerprint.Short()).
		Int("ops", len(t.Ops)).
		Int("guards", len(tok.Guards)).
		Int("frame_depth", tok.FrameDepth).
		Msg("assembled loop")
	b.dump(tok)
	return tok, nil
}

// AssembleBridge compiles t as the continuation of the guard with the given
// failure index and patches the guard to jump straight into it. The inputs
// of t correspond to the guard's live values and take their locations;
// a must not place other boxes on those locations (see BridgeAssignment).
func (b *Backend) AssembleBridge(index int, t *trace.Trace, a location.Assignment) (*LoopToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.guard(index)
	if err != nil {
		return nil, errors.Wrap(err, "bridge")
	}
	if g.bridge != nil {
		return nil, errors.Internalf("bridge", "guard %d already has a bridge", index)
	}
	if err := t.Validate(); err != nil {
		return nil, errors.InvalidTracef("validate", "%v", err)
	}
	if len(t.Inputs) != len(g.FailArgs) {
		return nil, errors.InvalidTracef("bridge", "%d inputs for guard %d with %d live values", len(t.Inputs), index, len(g.FailArgs))
	}

	ba := make(location.Assignment, len(a))
	for box, l := range a {
		ba[box] = l
	}
	consts := make(map[int]trace.Value)
	for i, in := range t.Inputs {
		fa := g.FailArgs[i]
		if fa != nil && fa.Kind() != in.Kind() {
			return nil, errors.InvalidTracef("bridge", "input %s is %s but guard %d has %s", in, in.Kind(), index, fa.Kind())
		}
		if l := g.Locations[i]; !l.IsNone() {
			ba[in] = l
		}
		if fa != nil && trace.IsConstant(fa) {
			consts[i] = fa
		}
	}

	tok := b.newToken(t, g.owner.family, index)
	c := b.newCompiler(t, ba, tok)
	c.constInputs = consts
	if err := c.assemble(); err != nil {
		return nil, fmt.Errorf("assemble bridge from guard %d: %w", index, err)
	}
	if err := b.commit(c); err != nil {
		return nil, err
	}
	if err := b.mc.PatchRel32(g.JumpAddr, tok.BodyAddr); err != nil {
		return nil, err
	}
	g.bridge = tok
	b.stats.Bridges++
	b.log.Info().
		Int("guard", index).
		Str("bridge", tok.Name).
		Str("target", fmt.Sprintf("%#x", tok.BodyAddr)).
		Msg("patched guard to bridge")
	b.dump(tok)
	return tok, nil
}

func (b *Backend) newToken(t *trace.Trace, fam *family, parent int) *LoopToken {
	tok := &LoopToken{
		Fingerprint: t.Fingerprint(),
		Parent:      parent,
		family:      fam,
	}
	if t.Token != nil {
		tok.Name = t.Token.Name
	} else {
		tok.Name = tok.Fingerprint.Short()
	}
	for _, in := range t.Inputs {
		tok.InputKinds = append(tok.InputKinds, in.Kind())
	}
	return tok
}

func (b *Backend) newCompiler(t *trace.Trace, a location.Assignment, tok *LoopToken) *compiler {
	return &compiler{
		b:    b,
		asm:  b.asm,
		t:    t,
		a:    a,
		live: computeLiveness(t),
		tok:  tok,
	}
}

// commit publishes a unit's guards and root maps and widens its family's
// frame and argument area.
func (b *Backend) commit(c *compiler) error {
	if err := b.mc.Err(); err != nil {
		return err
	}
	if err := b.mc2.Err(); err != nil {
		return err
	}
	tok := c.tok
	tok.ParamDepth = c.paramDepth
	fam := tok.family
	fam.frameDepth = max(fam.frameDepth, tok.FrameDepth)
	fam.paramDepth = max(fam.paramDepth, tok.ParamDepth)
	fam.subs = append(fam.subs, tok.paramPatch)
	for _, at := range fam.subs {
		if err := b.mc.PatchInt32(at, int32(fam.paramDepth)); err != nil {
			return err
		}
	}
	for _, g := range c.guards {
		tok.Guards = append(tok.Guards, g.Index)
		b.guards = append(b.guards, g)
	}
	for _, site := range c.roots {
		b.roots.Add(site.retAddr, slotSet(site.slots))
	}
	return nil
}

func (b *Backend) dump(tok *LoopToken) {
	if !b.cfg.DumpCode {
		return
	}
	code, err := b.mc.Tail(tok.Entry)
	if err != nil {
		return
	}
	b.log.Info().
		Str("unit", tok.Name).
		Str("entry", fmt.Sprintf("%#x", tok.Entry)).
		Str("code", hex.EncodeToString(code)).
		Msg("code dump")
}

func (c *compiler) assemble() error {
	if err := c.checkAssignment(); err != nil {
		return err
	}
	for _, in := range c.t.Inputs {
		c.tok.Inputs = append(c.tok.Inputs, c.a[in])
	}
	c.b.boxes.Reserve(len(c.t.Inputs))

	c.tok.Entry = c.asm.Tell()
	c.emitBootstrap()
	c.tok.BodyAddr = c.asm.Tell()
	for i, v := range c.constInputs {
		c.load(ScratchReg1, v)
		c.store(c.t.Inputs[i], ScratchReg1)
	}

	for i, op := range c.t.Ops {
		if err := c.compileOp(i, op); err != nil {
			return err
		}
	}
	if err := c.b.mc.Err(); err != nil {
		return err
	}
	return c.b.mc2.Err()
}

// checkAssignment rejects locations outside the allocatable register file
// and arguments without a location.
func (c *compiler) checkAssignment() error {
	depth := 0
	for _, box := range location.Boxes(c.t) {
		l := c.a[box]
		switch l.Kind {
		case location.Reg:
			if box.Kind() == trace.Float {
				if l.Num < 0 || l.Num >= numAllocatableXMMs {
					return errors.Internalf("location", "%s assigned to xmm%d", box, l.Num)
				}
			} else if !isAllocatableGPR(l.Num) {
				return errors.Internalf("location", "%s assigned to %s", box, x86.Reg(l.Num))
			}
		case location.Stack:
			if l.Num < 0 {
				return errors.Internalf("location", "%s assigned to stack position %d", box, l.Num)
			}
			depth = max(depth, l.Num+location.Width(box.Kind()))
		}
	}
	c.tok.FrameDepth = depth
	for _, op := range c.t.Ops {
		for _, v := range op.Args {
			if b, ok := v.(*trace.Box); ok && c.a[b].IsNone() {
				return errors.Internalf("location", "%s is used by %s but has no location", b, op.Opcode)
			}
		}
	}
	return nil
}

// emitBootstrap saves the callee-saved registers, makes RBP the frame base,
// aligns the stack and reserves the outgoing argument area, then loads the
// inputs from the failure boxes. Ref boxes are cleared after reading.
func (c *compiler) emitBootstrap() {
	for _, r := range calleeSaved {
		c.asm.Push(r)
	}
	c.asm.MovRegReg(FrameReg, x86.RDI)
	c.asm.MovMemReg(frameMem(recovery.SlotSavedSP), x86.RSP)
	c.asm.AndRegImm(x86.RSP, -16)
	c.tok.paramPatch = c.asm.SubRegImm32(x86.RSP, 0)

	for i, in := range c.t.Inputs {
		l := c.a[in]
		if l.IsNone() {
			continue
		}
		c.asm.MovRegImm64(ScratchReg4, uint64(c.b.boxArray(in.Kind()).Addr(i)))
		src := x86.At(ScratchReg4, 0)
		switch {
		case l.IsReg() && in.Kind() == trace.Float:
			c.asm.MovsdRegMem(x86.XMM(l.Num), src)
		case l.IsReg():
			c.asm.MovRegMem(x86.Reg(l.Num), src)
		default:
			c.asm.MovRegMem(ScratchReg1, src)
			c.asm.MovMemReg(stackMem(l.Num), ScratchReg1)
		}
		if in.Kind() == trace.Ref {
			c.asm.MovMemImm32(src, 0)
		}
	}
}

func (b *Backend) boxArray(k trace.Kind) *recovery.Array {
	switch k {
	case trace.Ref:
		return b.boxes.Refs
	case trace.Float:
		return b.boxes.Floats
	}
	return b.boxes.Ints
}

func (c *compiler) compileOp(i int, op *trace.Operation) error {
	fusedBox, fusedCond := c.fusedBox, c.fusedCond
	c.fusedBox = nil

	switch op.Opcode {
	case trace.IntAdd, trace.IntSub, trace.IntMul, trace.IntAnd, trace.IntOr, trace.IntXor,
		trace.IntAddOvf, trace.IntSubOvf, trace.IntMulOvf:
		c.emitIntBinary(op)
	case trace.IntFloorDiv, trace.IntMod:
		c.emitDivMod(op)
	case trace.IntLShift, trace.IntRShift, trace.UintRShift:
		c.emitShift(op)
	case trace.IntNeg, trace.IntInvert:
		c.emitIntUnary(op)
	case trace.IntSignExt:
		return c.emitSignExt(op)
	case trace.IntForceGEZero:
		c.emitForceGEZero(op)
	case trace.SameAs:
		c.emitMove(op)

	case trace.IntLT, trace.IntLE, trace.IntGT, trace.IntGE, trace.IntEQ, trace.IntNE,
		trace.UintLT, trace.UintLE, trace.UintGT, trace.UintGE,
		trace.IntIsTrue, trace.IntIsZero, trace.PtrEQ, trace.PtrNE:
		c.emitCompare(i, op)

	case trace.FloatAdd, trace.FloatSub, trace.FloatMul, trace.FloatTrueDiv:
		c.emitFloatBinary(op)
	case trace.FloatNeg, trace.FloatAbs:
		c.emitFloatSign(op)
	case trace.FloatLT, trace.FloatLE, trace.FloatGT, trace.FloatGE, trace.FloatEQ, trace.FloatNE:
		c.emitFloatCompare(i, op)
	case trace.CastIntToFloat, trace.CastFloatToInt:
		c.emitCast(op)

	case trace.GetFieldGC:
		return c.emitGetField(op)
	case trace.SetFieldGC:
		return c.emitSetField(op)
	case trace.GetArrayItemGC:
		return c.emitGetArrayItem(op)
	case trace.SetArrayItemGC:
		return c.emitSetArrayItem(op)
	case trace.ArrayLenGC:
		return c.emitArrayLen(op)

	case trace.New, trace.NewArray:
		return c.emitNew(i, op)
	case trace.Call:
		return c.emitCall(i, op)

	case trace.GuardTrue, trace.GuardFalse, trace.GuardValue, trace.GuardNonNull, trace.GuardIsNull,
		trace.GuardNoOverflow, trace.GuardOverflow:
		return c.emitGuard(i, op, fusedBox, fusedCond)

	case trace.Jump:
		return c.emitJump(op)
	case trace.Finish:
		c.emitFinish(op)

	default:
		return errors.Unimplementedf(op.Opcode.String(), "no lowering for %s", op)
	}
	return nil
}

// ========== Operand access ==========

// operand returns the register holding an int or ref value, loading it into
// scratch when it is a constant, spilled or a float.
func (c *compiler) operand(v trace.Value, scratch x86.Reg) x86.Reg {
	if l := c.a.Of(v); l.IsReg() && v.Kind() != trace.Float {
		return x86.Reg(l.Num)
	}
	c.load(scratch, v)
	return scratch
}

// load copies the 64 bits of v into dst. Floats are moved as raw bits.
func (c *compiler) load(dst x86.Reg, v trace.Value) {
	if bits, ok := trace.Bits(v); ok {
		c.asm.MovRegImm(dst, int64(bits))
		return
	}
	l := c.a.Of(v)
	switch {
	case l.IsReg() && v.Kind() == trace.Float:
		c.asm.MovqRegXmm(dst, x86.XMM(l.Num))
	case l.IsReg():
		if x86.Reg(l.Num) != dst {
			c.asm.MovRegReg(dst, x86.Reg(l.Num))
		}
	case l.IsStack():
		c.asm.MovRegMem(dst, stackMem(l.Num))
	}
}

// store writes src to the location of box. A box without a location is
// dead and nothing is emitted. Moves never change the flags.
func (c *compiler) store(box *trace.Box, src x86.Reg) {
	l := c.a[box]
	switch {
	case l.IsReg() && box.Kind() == trace.Float:
		c.asm.MovqXmmReg(x86.XMM(l.Num), src)
	case l.IsReg():
		if x86.Reg(l.Num) != src {
			c.asm.MovRegReg(x86.Reg(l.Num), src)
		}
	case l.IsStack():
		c.asm.MovMemReg(stackMem(l.Num), src)
	}
}

// operandF returns the XMM register holding a float value, loading it into
// scratch when needed.
func (c *compiler) operandF(v trace.Value, scratch x86.XMM) x86.XMM {
	if l := c.a.Of(v); l.IsReg() {
		return x86.XMM(l.Num)
	}
	c.loadF(scratch, v)
	return scratch
}

func (c *compiler) loadF(dst x86.XMM, v trace.Value) {
	if bits, ok := trace.Bits(v); ok {
		c.asm.MovRegImm(ScratchReg4, int64(bits))
		c.asm.MovqXmmReg(dst, ScratchReg4)
		return
	}
	l := c.a.Of(v)
	switch {
	case l.IsReg():
		if x86.XMM(l.Num) != dst {
			c.asm.MovsdRegReg(dst, x86.XMM(l.Num))
		}
	case l.IsStack():
		c.asm.MovsdRegMem(dst, stackMem(l.Num))
	}
}

func (c *compiler) storeF(box *trace.Box, src x86.XMM) {
	l := c.a[box]
	switch {
	case l.IsReg():
		if x86.XMM(l.Num) != src {
			c.asm.MovsdRegReg(x86.XMM(l.Num), src)
		}
	case l.IsStack():
		c.asm.MovsdMemReg(stackMem(l.Num), src)
	}
}

// imm32 returns v as a sign-extended 32-bit immediate when it is an integer
// constant that fits.
func imm32(v trace.Value) (int32, bool) {
	ci, ok := v.(trace.ConstInt)
	if !ok || ci.Value != int64(int32(ci.Value)) {
		return 0, false
	}
	return int32(ci.Value), true
}
