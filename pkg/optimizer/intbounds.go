package optimizer

import (
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/intbound"
	"github.com/ascrivener/tracejit/pkg/trace"
)

var (
	boolBound = intbound.New(0, 1)
	nonNeg    = intbound.AtLeast(0)

	signedOrder = map[trace.Opcode]trace.Opcode{
		trace.UintLT: trace.IntLT, trace.UintLE: trace.IntLE,
		trace.UintGT: trace.IntGT, trace.UintGE: trace.IntGE,
	}
)

func (o *Optimizer) propagateForward(op *trace.Operation) error {
	if c, ok := foldConstants(op); ok {
		o.makeConstant(op, c)
		return nil
	}
	switch op.Opcode {
	case trace.IntAdd:
		o.optimizeIntAdd(op)
	case trace.IntSub:
		o.optimizeIntSub(op)
	case trace.IntMul:
		o.emitIfBounded(op, o.bound(op.Arg(0)).Mul(*o.bound(op.Arg(1))))
	case trace.IntFloorDiv:
		o.emitWithBound(op, o.bound(op.Arg(0)).Div(*o.bound(op.Arg(1))))
	case trace.IntMod:
		o.optimizeIntMod(op)
	case trace.IntAnd:
		if sameBox(op.Arg(0), op.Arg(1)) {
			o.forward(op, op.Arg(0))
			return nil
		}
		o.emitWithBound(op, o.bound(op.Arg(0)).And(*o.bound(op.Arg(1))))
	case trace.IntOr, trace.IntXor:
		if sameBox(op.Arg(0), op.Arg(1)) {
			if op.Opcode == trace.IntOr {
				o.forward(op, op.Arg(0))
			} else {
				o.makeConstant(op, 0)
			}
			return nil
		}
		o.emitWithBound(op, o.bound(op.Arg(0)).Or(*o.bound(op.Arg(1))))
	case trace.IntLShift:
		o.emitIfBounded(op, o.bound(op.Arg(0)).LShift(*o.bound(op.Arg(1))))
	case trace.IntRShift:
		o.emitWithBound(op, o.bound(op.Arg(0)).RShift(*o.bound(op.Arg(1))))
	case trace.UintRShift:
		b := o.bound(op.Arg(0))
		if b.KnownNonNegative() {
			o.emitWithBound(op, b.RShift(*o.bound(op.Arg(1))))
		} else {
			o.emit(op)
		}
	case trace.IntNeg:
		o.emitIfBounded(op, o.bound(op.Arg(0)).Neg())
	case trace.IntInvert:
		b := o.bound(op.Arg(0))
		o.emitWithBound(op, intbound.IntBound{
			HasLower: b.HasUpper, Lower: ^b.Upper,
			HasUpper: b.HasLower, Upper: ^b.Lower,
		})
	case trace.IntSignExt:
		o.optimizeIntSignExt(op)
	case trace.IntForceGEZero:
		b := o.bound(op.Arg(0))
		if b.KnownNonNegative() {
			o.forward(op, op.Arg(0))
			return nil
		}
		r := nonNeg
		if b.HasUpper {
			r.HasUpper, r.Upper = true, max(b.Upper, 0)
		}
		o.emitWithBound(op, r)
	case trace.SameAs:
		o.forward(op, op.Arg(0))

	case trace.IntAddOvf, trace.IntSubOvf, trace.IntMulOvf:
		return o.optimizeOvf(op)
	case trace.GuardNoOverflow:
		return o.optimizeGuardNoOverflow(op)
	case trace.GuardOverflow:
		if o.prevOvf == nil {
			return errors.InvalidTracef(op.Opcode.String(), "operation was proven not to overflow")
		}
		o.emit(op)

	case trace.IntLT, trace.IntLE, trace.IntGT, trace.IntGE, trace.IntEQ, trace.IntNE,
		trace.UintLT, trace.UintLE, trace.UintGT, trace.UintGE:
		o.optimizeComparison(op)
	case trace.IntIsTrue, trace.IntIsZero:
		b := o.bound(op.Arg(0))
		nonzero := b.KnownGT(intbound.Const(0)) || b.KnownLT(intbound.Const(0))
		switch {
		case nonzero:
			o.makeConstant(op, b2i(op.Opcode == trace.IntIsTrue))
		case b.IsConstant():
			// the only constant that is not nonzero
			o.makeConstant(op, b2i(op.Opcode == trace.IntIsZero))
		default:
			o.emitWithBound(op, boolBound)
		}
	case trace.PtrEQ, trace.PtrNE:
		o.optimizePtrCompare(op)
	case trace.FloatLT, trace.FloatLE, trace.FloatGT, trace.FloatGE, trace.FloatEQ, trace.FloatNE:
		o.emitWithBound(op, boolBound)

	case trace.GuardTrue, trace.GuardFalse, trace.GuardValue:
		return o.optimizeGuard(op)
	case trace.GuardNonNull, trace.GuardIsNull:
		return o.optimizeNullGuard(op)

	case trace.GetFieldGC:
		o.emit(op)
		if d, ok := op.Descr.(*trace.FieldDescr); ok && d.Kind == trace.Int {
			o.bound(op.Result).Intersect(widthBound(d.Size, d.Signed))
		}
	case trace.GetArrayItemGC:
		o.emit(op)
		if d, ok := op.Descr.(*trace.ArrayDescr); ok && d.Kind == trace.Int {
			o.bound(op.Result).Intersect(widthBound(d.ItemSize, d.Signed))
		}
	case trace.ArrayLenGC:
		o.emitWithBound(op, nonNeg)
	case trace.New, trace.NewArray:
		o.emit(op)
		o.nonnull[op.Result] = true
	case trace.Call:
		o.emit(op)
		if d, ok := op.Descr.(*trace.CallDescr); ok && d.Result == trace.Int {
			o.bound(op.Result).Intersect(widthBound(d.ResultSize, d.ResultSigned))
		}
	default:
		o.emit(op)
	}
	return nil
}

// emitIfBounded narrows the result of a wrapping operation only when the
// mathematical result is bounded, which rules out wrapping.
func (o *Optimizer) emitIfBounded(op *trace.Operation, b intbound.IntBound) {
	if b.Bounded() {
		o.emitWithBound(op, b)
	} else {
		o.emit(op)
	}
}

// widthBound is the range of an integer of size bytes; sizes of 8 and 0
// give Unbounded.
func widthBound(size int, signed bool) intbound.IntBound {
	if size <= 0 || size >= 8 {
		return intbound.Unbounded()
	}
	bits := uint(size * 8)
	if signed {
		return intbound.New(-(1 << (bits - 1)), 1<<(bits-1)-1)
	}
	return intbound.New(0, 1<<bits-1)
}

// optimizeIntAdd also folds addition chains: (x + c1) + c2 becomes
// x + (c1 + c2) so the first addition may become dead.
func (o *Optimizer) optimizeIntAdd(op *trace.Operation) {
	x, y := op.Arg(0), op.Arg(1)
	if _, ok := constInt(x); ok {
		x, y = y, x
	}
	if c2, ok := constInt(y); ok {
		if box, ok := x.(*trace.Box); ok {
			if prod := o.producers[box]; prod != nil && prod.Opcode == trace.IntAdd {
				px, py := o.resolve(prod.Arg(0)), o.resolve(prod.Arg(1))
				if _, ok := constInt(px); ok {
					px, py = py, px
				}
				if c1, ok := constInt(py); ok {
					op = op.WithArgs(px, trace.ConstInt{Value: c1 + c2})
					o.log.Debug().Str("op", op.String()).Msg("folded addition chain")
				}
			}
		}
	}
	o.emitIfBounded(op, o.bound(op.Arg(0)).Add(*o.bound(op.Arg(1))))
}

func (o *Optimizer) optimizeIntSub(op *trace.Operation) {
	if sameBox(op.Arg(0), op.Arg(1)) {
		o.makeConstant(op, 0)
		return
	}
	if c, ok := constInt(op.Arg(1)); ok && c == 0 {
		o.forward(op, op.Arg(0))
		return
	}
	o.emitIfBounded(op, o.bound(op.Arg(0)).Sub(*o.bound(op.Arg(1))))
}

// optimizeIntMod turns a non-negative value modulo a power of two into a
// mask.
func (o *Optimizer) optimizeIntMod(op *trace.Operation) {
	b1, b2 := o.bound(op.Arg(0)), o.bound(op.Arg(1))
	if b1.KnownNonNegative() && b2.IsConstant() {
		if v := b2.Constant(); v > 0 && v&(v-1) == 0 {
			op = op.WithOpcode(trace.IntAnd, op.Arg(0), trace.ConstInt{Value: v - 1})
			o.emitWithBound(op, intbound.New(0, v-1).And(*b1))
			return
		}
	}
	o.emitWithBound(op, b1.Mod(*b2))
}

func (o *Optimizer) optimizeIntSignExt(op *trace.Operation) {
	n, ok := constInt(op.Arg(1))
	if !ok || n < 1 || n > 8 {
		o.emit(op)
		return
	}
	r := widthBound(int(n), true)
	if r.ContainsBound(*o.bound(op.Arg(0))) {
		o.forward(op, op.Arg(0))
		return
	}
	o.emitWithBound(op, r)
}

// optimizeOvf rewrites an overflow-checked operation to the plain one when
// its result cannot overflow. Otherwise the result bound is applied once the
// following guard_no_overflow has been emitted.
func (o *Optimizer) optimizeOvf(op *trace.Operation) error {
	b1, b2 := o.bound(op.Arg(0)), o.bound(op.Arg(1))
	var r intbound.IntBound
	switch op.Opcode {
	case trace.IntAddOvf:
		r = b1.Add(*b2)
	case trace.IntSubOvf:
		if sameBox(op.Arg(0), op.Arg(1)) {
			o.makeConstant(op, 0)
			return nil
		}
		r = b1.Sub(*b2)
	case trace.IntMulOvf:
		r = b1.Mul(*b2)
	}
	if r.Bounded() {
		plain := op.WithOpcode(op.Opcode.WithoutOverflowCheck())
		o.stats.Reduced++
		o.log.Debug().Str("op", op.String()).Msg("removed overflow check")
		return o.propagateForward(plain)
	}
	o.emit(op)
	o.pendingOvf, o.pendingBound = op, r
	return nil
}

func (o *Optimizer) optimizeGuardNoOverflow(op *trace.Operation) error {
	prev := o.prevOvf
	if prev == nil {
		o.elide(op)
		return nil
	}
	o.emit(op)
	o.checked[prev] = true
	if b := o.bound(prev.Result); b.Intersect(o.prevBound) {
		return o.narrowed(prev.Result, b)
	}
	return nil
}

func (o *Optimizer) optimizeComparison(op *trace.Operation) {
	x, y := op.Arg(0), op.Arg(1)
	b1, b2 := *o.bound(x), *o.bound(y)
	same := sameBox(x, y)
	opcode := op.Opcode
	switch opcode {
	case trace.UintLT, trace.UintLE, trace.UintGT, trace.UintGE:
		// unsigned and signed order agree on non-negative values
		if !same && !(b1.KnownNonNegative() && b2.KnownNonNegative()) {
			o.emitWithBound(op, boolBound)
			return
		}
		opcode = signedOrder[opcode]
	}
	var isTrue, isFalse bool
	switch opcode {
	case trace.IntLT:
		isTrue, isFalse = b1.KnownLT(b2), b1.KnownGE(b2) || same
	case trace.IntLE:
		isTrue, isFalse = b1.KnownLE(b2) || same, b1.KnownGT(b2)
	case trace.IntGT:
		isTrue, isFalse = b1.KnownGT(b2), b1.KnownLE(b2) || same
	case trace.IntGE:
		isTrue, isFalse = b1.KnownGE(b2) || same, b1.KnownLT(b2)
	case trace.IntEQ, trace.IntNE:
		equal := same || (b1.IsConstant() && b2.IsConstant() && b1.Constant() == b2.Constant())
		differ := b1.KnownLT(b2) || b1.KnownGT(b2)
		if opcode == trace.IntEQ {
			isTrue, isFalse = equal, differ
		} else {
			isTrue, isFalse = differ, equal
		}
	}
	switch {
	case isTrue:
		o.makeConstant(op, 1)
	case isFalse:
		o.makeConstant(op, 0)
	default:
		o.emitWithBound(op, boolBound)
	}
}

func (o *Optimizer) optimizePtrCompare(op *trace.Operation) {
	x, y := op.Arg(0), op.Arg(1)
	eq, known := false, false
	if sameBox(x, y) {
		eq, known = true, true
	} else if cx, ok := x.(trace.ConstRef); ok {
		if cy, ok := y.(trace.ConstRef); ok {
			eq, known = cx.Addr == cy.Addr, true
		}
	}
	if !known {
		o.emitWithBound(op, boolBound)
		return
	}
	o.makeConstant(op, b2i(eq == (op.Opcode == trace.PtrEQ)))
}

// optimizeGuard elides guards that are known to pass, rejects guards known
// to fail, and otherwise narrows the guarded value for the rest of the trace.
func (o *Optimizer) optimizeGuard(op *trace.Operation) error {
	v := op.Arg(0)
	if v.Kind() != trace.Int {
		o.emit(op)
		return nil
	}
	b := o.bound(v)
	var want intbound.IntBound
	var passes, fails bool
	switch op.Opcode {
	case trace.GuardTrue:
		passes = b.KnownGT(intbound.Const(0)) || b.KnownLT(intbound.Const(0))
		fails = b.IsConstant() && b.Constant() == 0
		switch {
		case boolBound.ContainsBound(*b):
			want = intbound.Const(1)
		case b.KnownNonNegative():
			want = intbound.AtLeast(1)
		default:
			want = intbound.Unbounded()
		}
	case trace.GuardFalse:
		want = intbound.Const(0)
		passes = b.IsConstant() && b.Constant() == 0
		fails = !b.Contains(0)
	case trace.GuardValue:
		c, ok := constInt(op.Arg(1))
		if !ok {
			o.emit(op)
			return nil
		}
		want = intbound.Const(c)
		passes = b.IsConstant() && b.Constant() == c
		fails = !b.Contains(c)
	}
	if fails {
		return errors.InvalidTracef(op.Opcode.String(), "%s is %s and can never pass", v, b)
	}
	if passes {
		o.elide(op)
		return nil
	}
	o.emit(op)
	if b.Intersect(want) {
		return o.narrowed(v, b)
	}
	return nil
}

func (o *Optimizer) optimizeNullGuard(op *trace.Operation) error {
	v := op.Arg(0)
	var isNull, known bool
	switch x := v.(type) {
	case trace.ConstRef:
		isNull, known = x.Addr == 0, true
	case *trace.Box:
		if o.nonnull[x] {
			isNull, known = false, true
		}
	}
	wantNull := op.Opcode == trace.GuardIsNull
	if known {
		if isNull != wantNull {
			return errors.InvalidTracef(op.Opcode.String(), "%s can never pass", v)
		}
		o.elide(op)
		return nil
	}
	o.emit(op)
	if box, ok := v.(*trace.Box); ok {
		if wantNull {
			o.redirect[box] = trace.ConstRef{}
		} else {
			o.nonnull[box] = true
		}
	}
	return nil
}
