package backend

import (
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// Float code generation (SSE2, scalar double)

func (c *compiler) emitFloatBinary(op *trace.Operation) {
	c.loadF(FloatScratch1, op.Arg(0))
	src := c.operandF(op.Arg(1), FloatScratch2)
	switch op.Opcode {
	case trace.FloatAdd:
		c.asm.AddsdRegReg(FloatScratch1, src)
	case trace.FloatSub:
		c.asm.SubsdRegReg(FloatScratch1, src)
	case trace.FloatMul:
		c.asm.MulsdRegReg(FloatScratch1, src)
	case trace.FloatTrueDiv:
		c.asm.DivsdRegReg(FloatScratch1, src)
	}
	c.storeF(op.Result, FloatScratch1)
}

// emitFloatSign flips or clears the sign bit on the raw bits.
func (c *compiler) emitFloatSign(op *trace.Operation) {
	c.load(ScratchReg1, op.Arg(0))
	if op.Opcode == trace.FloatNeg {
		c.asm.BtcRegImm(ScratchReg1, 63)
	} else {
		c.asm.BtrRegImm(ScratchReg1, 63)
	}
	c.store(op.Result, ScratchReg1)
}

func (c *compiler) emitCast(op *trace.Operation) {
	if op.Opcode == trace.CastIntToFloat {
		c.asm.Cvtsi2sd(FloatScratch1, c.operand(op.Arg(0), ScratchReg1))
		c.storeF(op.Result, FloatScratch1)
		return
	}
	c.asm.Cvttsd2si(ScratchReg1, c.operandF(op.Arg(0), FloatScratch1))
	c.store(op.Result, ScratchReg1)
}

// ucomisd a, b sets CF when a < b, ZF when equal and all of ZF, PF and CF
// when unordered. Ordering comparisons are arranged so the condition is A
// or AE, which are false for NaN.
var floatConds = map[trace.Opcode]struct {
	swap bool
	cc   x86.Cond
}{
	trace.FloatLT: {true, x86.CondA},
	trace.FloatLE: {true, x86.CondAE},
	trace.FloatGT: {false, x86.CondA},
	trace.FloatGE: {false, x86.CondAE},
}

func (c *compiler) emitFloatCompare(i int, op *trace.Operation) {
	x := c.operandF(op.Arg(0), FloatScratch1)
	y := c.operandF(op.Arg(1), FloatScratch2)

	if op.Opcode == trace.FloatEQ || op.Opcode == trace.FloatNE {
		// two flags decide: equal and ordered
		c.asm.MovRegImm(ScratchReg1, 0)
		c.asm.MovRegImm(ScratchReg2, 0)
		c.asm.Ucomisd(x, y)
		if op.Opcode == trace.FloatEQ {
			c.asm.Setcc(x86.CondE, ScratchReg1)
			c.asm.Setcc(x86.CondNP, ScratchReg2)
			c.asm.AndRegReg(ScratchReg1, ScratchReg2)
		} else {
			c.asm.Setcc(x86.CondNE, ScratchReg1)
			c.asm.Setcc(x86.CondP, ScratchReg2)
			c.asm.OrRegReg(ScratchReg1, ScratchReg2)
		}
		c.store(op.Result, ScratchReg1)
		return
	}

	fc := floatConds[op.Opcode]
	a, b := x, y
	if fc.swap {
		a, b = y, x
	}
	if c.fusible(i, op) {
		c.asm.Ucomisd(a, b)
		c.fuse(op.Result, fc.cc)
		return
	}
	c.asm.MovRegImm(ScratchReg1, 0)
	c.asm.Ucomisd(a, b)
	c.asm.Setcc(fc.cc, ScratchReg1)
	c.store(op.Result, ScratchReg1)
}
