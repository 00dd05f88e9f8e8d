package backend

import (
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// Integer arithmetic code generation. Templates compute in RAX and store
// the result last, so the flags of the operation itself survive for a
// following overflow guard.

// emitIntBinary: result = x op y, with the ovf forms leaving OF set on
// overflow.
func (c *compiler) emitIntBinary(op *trace.Operation) {
	x, y := op.Arg(0), op.Arg(1)
	c.load(ScratchReg1, x)
	code := op.Opcode.WithoutOverflowCheck()
	if imm, ok := imm32(y); ok && code != trace.IntMul {
		switch code {
		case trace.IntAdd:
			c.asm.AddRegImm(ScratchReg1, imm)
		case trace.IntSub:
			c.asm.SubRegImm(ScratchReg1, imm)
		case trace.IntAnd:
			c.asm.AndRegImm(ScratchReg1, imm)
		case trace.IntOr:
			c.asm.OrRegImm(ScratchReg1, imm)
		case trace.IntXor:
			c.asm.XorRegImm(ScratchReg1, imm)
		}
	} else {
		src := c.operand(y, ScratchReg2)
		switch code {
		case trace.IntAdd:
			c.asm.AddRegReg(ScratchReg1, src)
		case trace.IntSub:
			c.asm.SubRegReg(ScratchReg1, src)
		case trace.IntMul:
			c.asm.IMulRegReg(ScratchReg1, src)
		case trace.IntAnd:
			c.asm.AndRegReg(ScratchReg1, src)
		case trace.IntOr:
			c.asm.OrRegReg(ScratchReg1, src)
		case trace.IntXor:
			c.asm.XorRegReg(ScratchReg1, src)
		}
	}
	c.store(op.Result, ScratchReg1)
}

// emitDivMod: truncating division through CQO/IDIV. The quotient is left in
// RAX, the remainder in RDX.
func (c *compiler) emitDivMod(op *trace.Operation) {
	c.load(ScratchReg1, op.Arg(0))
	div := c.operand(op.Arg(1), ScratchReg2)
	c.asm.Cqo()
	c.asm.IDiv(div)
	if op.Opcode == trace.IntMod {
		c.store(op.Result, ScratchReg3)
	} else {
		c.store(op.Result, ScratchReg1)
	}
}

// emitShift: the count goes through CL unless it is a constant.
func (c *compiler) emitShift(op *trace.Operation) {
	y := op.Arg(1)
	if n, ok := y.(trace.ConstInt); ok {
		c.load(ScratchReg1, op.Arg(0))
		count := uint8(n.Value & 63)
		switch op.Opcode {
		case trace.IntLShift:
			c.asm.ShlImm(ScratchReg1, count)
		case trace.IntRShift:
			c.asm.SarImm(ScratchReg1, count)
		default:
			c.asm.ShrImm(ScratchReg1, count)
		}
		c.store(op.Result, ScratchReg1)
		return
	}
	c.load(ScratchReg2, y)
	c.load(ScratchReg1, op.Arg(0))
	switch op.Opcode {
	case trace.IntLShift:
		c.asm.ShlCL(ScratchReg1)
	case trace.IntRShift:
		c.asm.SarCL(ScratchReg1)
	default:
		c.asm.ShrCL(ScratchReg1)
	}
	c.store(op.Result, ScratchReg1)
}

func (c *compiler) emitIntUnary(op *trace.Operation) {
	c.load(ScratchReg1, op.Arg(0))
	if op.Opcode == trace.IntNeg {
		c.asm.Neg(ScratchReg1)
	} else {
		c.asm.Not(ScratchReg1)
	}
	c.store(op.Result, ScratchReg1)
}

// emitSignExt: int_signext(x, bytes) keeps the low bytes of x and
// sign-extends them.
func (c *compiler) emitSignExt(op *trace.Operation) error {
	n, ok := op.Arg(1).(trace.ConstInt)
	if !ok {
		return errors.Unimplementedf(op.Opcode.String(), "byte count %s is not a constant", op.Arg(1))
	}
	switch n.Value {
	case 1, 2, 4, 8:
	default:
		return errors.InvalidTracef(op.Opcode.String(), "cannot sign-extend from %d bytes", n.Value)
	}
	c.load(ScratchReg1, op.Arg(0))
	c.asm.Extend(ScratchReg1, int(n.Value), true)
	c.store(op.Result, ScratchReg1)
	return nil
}

// emitForceGEZero: x & ^(x >> 63) clamps negative values to zero.
func (c *compiler) emitForceGEZero(op *trace.Operation) {
	c.load(ScratchReg1, op.Arg(0))
	c.asm.MovRegReg(ScratchReg2, ScratchReg1)
	c.asm.SarImm(ScratchReg2, 63)
	c.asm.Not(ScratchReg2)
	c.asm.AndRegReg(ScratchReg1, ScratchReg2)
	c.store(op.Result, ScratchReg1)
}

// emitMove copies raw bits, so it serves values of every kind.
func (c *compiler) emitMove(op *trace.Operation) {
	c.load(ScratchReg1, op.Arg(0))
	c.store(op.Result, ScratchReg1)
}
