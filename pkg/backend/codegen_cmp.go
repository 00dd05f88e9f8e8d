package backend

import (
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// Comparison code generation

// condition under which an integer comparison is true, after cmp x, y
var intConds = map[trace.Opcode]x86.Cond{
	trace.IntLT:  x86.CondL,
	trace.IntLE:  x86.CondLE,
	trace.IntGT:  x86.CondG,
	trace.IntGE:  x86.CondGE,
	trace.IntEQ:  x86.CondE,
	trace.IntNE:  x86.CondNE,
	trace.UintLT: x86.CondB,
	trace.UintLE: x86.CondBE,
	trace.UintGT: x86.CondA,
	trace.UintGE: x86.CondAE,
	trace.PtrEQ:  x86.CondE,
	trace.PtrNE:  x86.CondNE,
}

// fusible reports whether the result of comparison i is consumed only by
// the guard right after it, so the guard can branch on the flags.
func (c *compiler) fusible(i int, op *trace.Operation) bool {
	if i+1 >= len(c.t.Ops) || !c.live.usedOnce(op.Result) {
		return false
	}
	next := c.t.Ops[i+1]
	if next.Opcode != trace.GuardTrue && next.Opcode != trace.GuardFalse {
		return false
	}
	b, ok := next.Args[0].(*trace.Box)
	return ok && b == op.Result
}

// fuse leaves the comparison in the flags for the next guard.
func (c *compiler) fuse(box *trace.Box, cc x86.Cond) {
	c.fusedBox = box
	c.fusedCond = cc
}

// emitCmp compares x with y, using an immediate when y allows it.
func (c *compiler) emitCmp(x, y trace.Value) {
	left := c.operand(x, ScratchReg2)
	if imm, ok := imm32(y); ok {
		c.asm.CmpRegImm(left, imm)
		return
	}
	c.asm.CmpRegReg(left, c.operand(y, ScratchReg3))
}

// emitCompare materializes 0 or 1, or leaves the flags for a fused guard.
func (c *compiler) emitCompare(i int, op *trace.Operation) {
	fused := c.fusible(i, op)
	if !fused {
		// zero before the compare: mov keeps the flags, xor would not
		c.asm.MovRegImm(ScratchReg1, 0)
	}
	var cc x86.Cond
	switch op.Opcode {
	case trace.IntIsTrue, trace.IntIsZero:
		r := c.operand(op.Arg(0), ScratchReg2)
		c.asm.TestRegReg(r, r)
		cc = x86.CondNE
		if op.Opcode == trace.IntIsZero {
			cc = x86.CondE
		}
	default:
		c.emitCmp(op.Arg(0), op.Arg(1))
		cc = intConds[op.Opcode]
	}
	if fused {
		c.fuse(op.Result, cc)
		return
	}
	c.asm.Setcc(cc, ScratchReg1)
	c.store(op.Result, ScratchReg1)
}
