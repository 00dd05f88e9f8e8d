package optimizer

import (
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/intbound"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// propagateBackward is called after the bound of v narrowed. A bound that
// became a constant redirects later uses of v; the operation that produced
// v, if already emitted, passes the fact on to its own operands.
func (o *Optimizer) propagateBackward(v trace.Value) error {
	box, ok := v.(*trace.Box)
	if !ok {
		return nil
	}
	b := o.bound(box)
	if b.IsConstant() {
		if _, done := o.redirect[box]; !done {
			o.redirect[box] = trace.ConstInt{Value: b.Constant()}
		}
	}
	prod := o.producers[box]
	if prod == nil {
		return nil
	}
	r := *b
	switch prod.Opcode {
	case trace.IntLT, trace.IntLE, trace.IntGT, trace.IntGE:
		if !r.IsConstant() {
			return nil
		}
		x, y := o.resolve(prod.Arg(0)), o.resolve(prod.Arg(1))
		holds := r.Constant() == 1
		switch {
		case prod.Opcode == trace.IntLT && holds, prod.Opcode == trace.IntGE && !holds:
			return o.makeIntLT(x, y)
		case prod.Opcode == trace.IntLE && holds, prod.Opcode == trace.IntGT && !holds:
			return o.makeIntLE(x, y)
		case prod.Opcode == trace.IntGT && holds, prod.Opcode == trace.IntLE && !holds:
			return o.makeIntLT(y, x)
		default:
			return o.makeIntLE(y, x)
		}
	case trace.IntEQ, trace.IntNE:
		if !r.IsConstant() {
			return nil
		}
		equal := r.Constant() == b2i(prod.Opcode == trace.IntEQ)
		if !equal {
			return nil
		}
		x, y := o.resolve(prod.Arg(0)), o.resolve(prod.Arg(1))
		bx, by := o.bound(x), o.bound(y)
		return o.narrowBoth(x, *by, y, *bx)
	case trace.IntIsTrue, trace.IntIsZero:
		if !r.IsConstant() {
			return nil
		}
		x := o.resolve(prod.Arg(0))
		bx := o.bound(x)
		if r.Constant() == b2i(prod.Opcode == trace.IntIsTrue) {
			// x != 0
			if bx.KnownNonNegative() && bx.MakeGT(intbound.Const(0)) {
				return o.narrowed(x, bx)
			}
			return nil
		}
		if bx.Intersect(intbound.Const(0)) {
			return o.narrowed(x, bx)
		}
	case trace.IntAdd, trace.IntAddOvf, trace.IntSub, trace.IntSubOvf,
		trace.IntMul, trace.IntMulOvf, trace.IntLShift:
		return o.propagateArith(prod, r)
	}
	return nil
}

// propagateArith inverts an arithmetic operation. This is only sound when the
// operation did not wrap: a plain operation whose operands rule out
// overflow, or an ovf operation after its guard_no_overflow.
func (o *Optimizer) propagateArith(prod *trace.Operation, r intbound.IntBound) error {
	x, y := o.resolve(prod.Arg(0)), o.resolve(prod.Arg(1))
	bx, by := o.bound(x), o.bound(y)
	if prod.Opcode.IsOvf() {
		if !o.checked[prod] {
			return nil
		}
	} else {
		var exact intbound.IntBound
		switch prod.Opcode {
		case trace.IntAdd:
			exact = bx.Add(*by)
		case trace.IntSub:
			exact = bx.Sub(*by)
		case trace.IntMul:
			exact = bx.Mul(*by)
		case trace.IntLShift:
			exact = bx.LShift(*by)
		}
		if !exact.Bounded() {
			return nil
		}
	}
	switch prod.Opcode {
	case trace.IntAdd, trace.IntAddOvf:
		return o.narrowBoth(x, r.Sub(*by), y, r.Sub(*bx))
	case trace.IntSub, trace.IntSubOvf:
		return o.narrowBoth(x, r.Add(*by), y, bx.Sub(r))
	case trace.IntMul, trace.IntMulOvf:
		return o.narrowBoth(x, r.Div(*by), y, r.Div(*bx))
	case trace.IntLShift:
		if bx.Intersect(r.RShift(*by)) {
			return o.narrowed(x, bx)
		}
	}
	return nil
}

// narrowBoth intersects x with bx and y with by, computed before either
// changed, and propagates whatever narrowed.
func (o *Optimizer) narrowBoth(x trace.Value, bx intbound.IntBound, y trace.Value, by intbound.IntBound) error {
	px, py := o.bound(x), o.bound(y)
	cx := px.Intersect(bx)
	cy := py.Intersect(by)
	if cx {
		if err := o.narrowed(x, px); err != nil {
			return err
		}
	}
	if cy {
		return o.narrowed(y, py)
	}
	return nil
}

// narrowed reports a contradiction when b, the bound of v, became empty,
// and otherwise propagates the new fact.
func (o *Optimizer) narrowed(v trace.Value, b *intbound.IntBound) error {
	if b.Empty() {
		return errors.InvalidTracef("propagate", "no value of %s can reach this point", v)
	}
	return o.propagateBackward(v)
}

func (o *Optimizer) makeIntLT(x, y trace.Value) error {
	bx, by := o.bound(x), o.bound(y)
	if bx.MakeLT(*by) {
		if err := o.narrowed(x, bx); err != nil {
			return err
		}
	}
	if by.MakeGT(*bx) {
		return o.narrowed(y, by)
	}
	return nil
}

func (o *Optimizer) makeIntLE(x, y trace.Value) error {
	bx, by := o.bound(x), o.bound(y)
	if bx.MakeLE(*by) {
		if err := o.narrowed(x, bx); err != nil {
			return err
		}
	}
	if by.MakeGE(*bx) {
		return o.narrowed(y, by)
	}
	return nil
}
