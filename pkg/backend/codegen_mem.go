package backend

import (
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// Heap access code generation. Object addresses go through RCX and array
// indexes through RDX; values through RAX or XMM14.

func (c *compiler) emitGetField(op *trace.Operation) error {
	d, ok := op.Descr.(*trace.FieldDescr)
	if !ok {
		return errors.InvalidTracef(op.Opcode.String(), "missing field descriptor")
	}
	base := c.operand(op.Arg(0), ScratchReg2)
	c.loadFrom(op.Result, x86.At(base, d.Offset), d.Size, d.Signed)
	return nil
}

func (c *compiler) emitSetField(op *trace.Operation) error {
	d, ok := op.Descr.(*trace.FieldDescr)
	if !ok {
		return errors.InvalidTracef(op.Opcode.String(), "missing field descriptor")
	}
	base := c.operand(op.Arg(0), ScratchReg2)
	c.storeTo(x86.At(base, d.Offset), op.Arg(1), d.Size)
	return nil
}

func (c *compiler) emitGetArrayItem(op *trace.Operation) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errors.InvalidTracef(op.Opcode.String(), "missing array descriptor")
	}
	m, err := c.itemMem(op, d)
	if err != nil {
		return err
	}
	c.loadFrom(op.Result, m, d.ItemSize, d.Signed)
	return nil
}

func (c *compiler) emitSetArrayItem(op *trace.Operation) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errors.InvalidTracef(op.Opcode.String(), "missing array descriptor")
	}
	m, err := c.itemMem(op, d)
	if err != nil {
		return err
	}
	c.storeTo(m, op.Arg(2), d.ItemSize)
	return nil
}

func (c *compiler) emitArrayLen(op *trace.Operation) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errors.InvalidTracef(op.Opcode.String(), "missing array descriptor")
	}
	base := c.operand(op.Arg(0), ScratchReg2)
	c.asm.MovRegMem(ScratchReg1, x86.At(base, d.LengthOffset))
	c.store(op.Result, ScratchReg1)
	return nil
}

// itemMem addresses item Arg(1) of array Arg(0).
func (c *compiler) itemMem(op *trace.Operation, d *trace.ArrayDescr) (x86.Mem, error) {
	switch d.ItemSize {
	case 1, 2, 4, 8:
	default:
		return x86.Mem{}, errors.Unimplementedf(op.Opcode.String(), "item size %d", d.ItemSize)
	}
	base := c.operand(op.Arg(0), ScratchReg2)
	if n, ok := op.Arg(1).(trace.ConstInt); ok {
		disp := int64(d.BaseSize) + n.Value*int64(d.ItemSize)
		if disp == int64(int32(disp)) {
			return x86.At(base, int32(disp)), nil
		}
	}
	index := c.operand(op.Arg(1), ScratchReg3)
	return x86.Indexed(base, index, byte(d.ItemSize), d.BaseSize), nil
}

func (c *compiler) loadFrom(result *trace.Box, m x86.Mem, size int, signed bool) {
	if result.Kind() == trace.Float {
		c.asm.MovsdRegMem(FloatScratch1, m)
		c.storeF(result, FloatScratch1)
		return
	}
	c.asm.Load(ScratchReg1, m, width(size), signed)
	c.store(result, ScratchReg1)
}

func (c *compiler) storeTo(m x86.Mem, v trace.Value, size int) {
	if v.Kind() == trace.Float {
		c.loadF(FloatScratch1, v)
		c.asm.MovsdMemReg(m, FloatScratch1)
		return
	}
	c.asm.Store(m, c.operand(v, ScratchReg1), width(size))
}

// width treats an unset descriptor size as a full word.
func width(size int) int {
	if size == 0 {
		return 8
	}
	return size
}
