package backend

import (
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/recovery"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// GuardDescr is the compile-time record of one guard. Descriptors live in
// the Backend's arena for as long as the code does and are referred to by
// their failure index.
type GuardDescr struct {
	Index  int
	Opcode trace.Opcode
	// Bytecode is the recovery bytecode up to and including the stop code.
	Bytecode []byte
	// FailArgs are the values the interpreter needs, nil for holes.
	FailArgs  []trace.Value
	Locations []location.Location
	// JumpAddr is the rel32 field of the branch to the stub. Attaching a
	// bridge rewrites it once.
	JumpAddr uintptr
	StubAddr uintptr
	// Failures counts the executions that left through this guard.
	Failures int

	owner  *LoopToken
	bridge *LoopToken
}

// Bridge returns the bridge attached to the guard, or nil.
func (g *GuardDescr) Bridge() *LoopToken { return g.bridge }

// Entries returns the live-value list the bytecode encodes.
func (g *GuardDescr) Entries() []recovery.Entry {
	out := make([]recovery.Entry, len(g.FailArgs))
	for i, v := range g.FailArgs {
		if v == nil || trace.IsConstant(v) || g.Locations[i].IsNone() {
			out[i] = recovery.Entry{Hole: true}
			continue
		}
		out[i] = recovery.Entry{Kind: v.Kind(), Loc: g.Locations[i]}
	}
	return out
}

// writeConstants fills the failure boxes for constant fail args, which the
// bytecode encodes as holes.
func (g *GuardDescr) writeConstants(boxes *recovery.FailBoxes) {
	for i, v := range g.FailArgs {
		if v == nil {
			continue
		}
		bits, ok := trace.Bits(v)
		if !ok {
			continue
		}
		switch v.Kind() {
		case trace.Ref:
			boxes.Refs.Set(i, bits)
		case trace.Float:
			boxes.Floats.Set(i, bits)
		default:
			boxes.Ints.Set(i, bits)
		}
	}
}

// emitGuard branches to a new stub when the guard fails. A guard on a
// constant compiles to nothing when it passes and is an invalid trace when
// it cannot.
func (c *compiler) emitGuard(i int, op *trace.Operation, fusedBox *trace.Box, fusedCond x86.Cond) error {
	var fail x86.Cond
	switch op.Opcode {
	case trace.GuardTrue, trace.GuardFalse, trace.GuardNonNull, trace.GuardIsNull:
		wantNonZero := op.Opcode == trace.GuardTrue || op.Opcode == trace.GuardNonNull
		v := op.Arg(0)
		if bits, ok := trace.Bits(v); ok {
			if (bits != 0) == wantNonZero {
				return nil
			}
			return errors.InvalidTracef(op.Opcode.String(), "%s can never pass", op)
		}
		if b, ok := v.(*trace.Box); ok && b == fusedBox {
			fail = fusedCond
			if wantNonZero {
				fail = fusedCond.Invert()
			}
			break
		}
		r := c.operand(v, ScratchReg2)
		c.asm.TestRegReg(r, r)
		fail = x86.CondNE
		if wantNonZero {
			fail = x86.CondE
		}

	case trace.GuardValue:
		x, y := op.Arg(0), op.Arg(1)
		xb, xok := trace.Bits(x)
		yb, yok := trace.Bits(y)
		if xok && yok {
			if xb == yb {
				return nil
			}
			return errors.InvalidTracef(op.Opcode.String(), "%s can never pass", op)
		}
		if xok {
			x, y = y, x
		}
		c.emitCmp(x, y)
		fail = x86.CondNE

	case trace.GuardNoOverflow, trace.GuardOverflow:
		if i == 0 || !c.t.Ops[i-1].Opcode.IsOvf() {
			return errors.InvalidTracef(op.Opcode.String(), "not preceded by an overflow-checked operation")
		}
		fail = x86.CondO
		if op.Opcode == trace.GuardOverflow {
			fail = x86.CondNO
		}
	}
	c.emitGuardJump(op, op.FailArgs, fail, false)
	return nil
}

// emitFinish leaves through an always-taken guard whose live values are the
// finish arguments.
func (c *compiler) emitFinish(op *trace.Operation) {
	live := op.FailArgs
	if live == nil {
		live = op.Args
	}
	c.emitGuardJump(op, live, 0, true)
}

// emitGuardJump records a descriptor, emits its stub and the branch to it.
func (c *compiler) emitGuardJump(op *trace.Operation, live []trace.Value, fail x86.Cond, always bool) {
	g := &GuardDescr{
		Index:     len(c.b.guards) + len(c.guards),
		Opcode:    op.Opcode,
		FailArgs:  live,
		Locations: make([]location.Location, len(live)),
		owner:     c.tok,
	}
	for i, v := range live {
		if v != nil {
			g.Locations[i] = c.a.Of(v)
		}
	}
	entries := g.Entries()
	g.Bytecode = recovery.Encode(entries)
	c.b.boxes.Reserve(len(live))

	g.StubAddr = c.emitGuardStub(recovery.StubTail(entries, g.Index, c.b.cfg.Debug))
	if always {
		g.JumpAddr = c.asm.Jmp(g.StubAddr)
	} else {
		g.JumpAddr = c.asm.Jcc(fail, g.StubAddr)
	}
	c.guards = append(c.guards, g)
}

// emitGuardStub writes the quick-failure stub: a call to the failure entry
// followed by the recovery tail, emitted as one piece so the call's return
// address is the first byte of the bytecode.
func (c *compiler) emitGuardStub(tail []byte) uintptr {
	s := c.b.stubs
	s.BeginGroup()
	s.MovRegImm64(ScratchReg4, uint64(c.b.failureEntry))
	s.CallReg(ScratchReg4)
	s.Raw(tail)
	n := s.GroupLen()
	s.EndGroup()
	return s.Tell() - uintptr(n)
}
