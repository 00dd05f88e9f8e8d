package backend

import (
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// emitJump moves the arguments into the target's input locations and jumps
// to its body. The target is the unit itself or a loop of the same family.
func (c *compiler) emitJump(op *trace.Operation) error {
	body, inputs, kinds, err := c.jumpTarget(op)
	if err != nil {
		return err
	}
	if len(op.Args) != len(inputs) {
		return errors.InvalidTracef(op.Opcode.String(), "%d arguments for a target with %d inputs", len(op.Args), len(inputs))
	}
	for i, v := range op.Args {
		if v.Kind() != kinds[i] {
			return errors.InvalidTracef(op.Opcode.String(), "argument %d is %s, target input is %s", i, v.Kind(), kinds[i])
		}
	}
	c.parallelMove(op.Args, inputs)
	c.asm.Jmp(body)
	return nil
}

func (c *compiler) jumpTarget(op *trace.Operation) (uintptr, []location.Location, []trace.Kind, error) {
	var tt *trace.TargetToken
	if op.Descr != nil {
		var ok bool
		if tt, ok = op.Descr.(*trace.TargetToken); !ok {
			return 0, nil, nil, errors.InvalidTracef(op.Opcode.String(), "descriptor %s is not a target token", op.Descr.DescrName())
		}
	}
	if tt == nil || tt == c.t.Token {
		return c.tok.BodyAddr, c.tok.Inputs, c.tok.InputKinds, nil
	}
	target, ok := c.b.loops[tt]
	if !ok {
		return 0, nil, nil, errors.InvalidTracef(op.Opcode.String(), "unknown target %s", tt.Name)
	}
	if target.family != c.tok.family {
		return 0, nil, nil, errors.Unimplementedf(op.Opcode.String(), "jump to %s outside the loop family", tt.Name)
	}
	return target.BodyAddr, target.Inputs, target.InputKinds, nil
}

// parallelMove copies args into dst. Every source is pushed before any
// destination is written, so overlapping moves and swaps are safe.
func (c *compiler) parallelMove(args []trace.Value, dst []location.Location) {
	var moved []int
	for i, v := range args {
		if dst[i].IsNone() || c.a.Of(v) == dst[i] {
			continue
		}
		c.pushValue(v)
		moved = append(moved, i)
	}
	for k := len(moved) - 1; k >= 0; k-- {
		i := moved[k]
		c.popTo(dst[i], args[i].Kind())
	}
}

func (c *compiler) popTo(l location.Location, kind trace.Kind) {
	switch {
	case l.IsReg() && kind == trace.Float:
		c.asm.Pop(ScratchReg1)
		c.asm.MovqXmmReg(x86.XMM(l.Num), ScratchReg1)
	case l.IsReg():
		c.asm.Pop(x86.Reg(l.Num))
	default:
		c.asm.Pop(ScratchReg1)
		c.asm.MovMemReg(stackMem(l.Num), ScratchReg1)
	}
}
