package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/intbound"
	"github.com/ascrivener/tracejit/pkg/trace"
)

func opcodes(t *trace.Trace) []string {
	out := make([]string, len(t.Ops))
	for i, op := range t.Ops {
		out[i] = op.Opcode.String()
	}
	return out
}

func optimize(t *testing.T, src string, ns trace.Namespace, assume map[string]intbound.IntBound) (*Optimizer, *trace.Trace, *trace.Trace) {
	t.Helper()
	in := trace.MustParse(src, ns)
	o := New()
	for name, b := range assume {
		o.AssumeBound(in.Box(name), b)
	}
	out, err := o.Optimize(in)
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	return o, in, out
}

func optimizeErr(t *testing.T, src string, assume map[string]intbound.IntBound) error {
	t.Helper()
	in := trace.MustParse(src, nil)
	o := New()
	for name, b := range assume {
		o.AssumeBound(in.Box(name), b)
	}
	_, err := o.Optimize(in)
	return err
}

// r = a + 1 with a known to be 5 leaves no addition behind.
func TestConstantInputFoldsAddition(t *testing.T) {
	o, _, out := optimize(t, "[i0]\ni1 = int_add(i0, 1)\nfinish(i1)", nil,
		map[string]intbound.IntBound{"i0": intbound.Const(5)})
	assert.Equal(t, []string{"finish"}, opcodes(out))
	assert.Equal(t, trace.ConstInt{Value: 6}, out.Ops[0].Args[0])
	assert.Equal(t, 1, o.Stats().Folded)
}

// a in [10,20], b in [0,5]: guard_true(a < b) can never pass.
func TestUnsatisfiableGuardIsInvalidTrace(t *testing.T) {
	src := `
[i0, i1]
i2 = int_lt(i0, i1)
guard_true(i2) [i0, i1]
finish(i0)
`
	err := optimizeErr(t, src, map[string]intbound.IntBound{
		"i0": intbound.New(10, 20),
		"i1": intbound.New(0, 5),
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidTrace(err), "got %v", err)
}

const rangeGuards = `
[i0, i1]
i2 = int_ge(i0, 10)
guard_true(i2) []
i3 = int_le(i0, 20)
guard_true(i3) []
i4 = int_ge(i1, 0)
guard_true(i4) []
i5 = int_le(i1, 5)
guard_true(i5) []
i6 = int_lt(i0, i1)
`

// The same contradiction, with the ranges established by earlier guards.
func TestBoundsLearnedFromGuards(t *testing.T) {
	err := optimizeErr(t, rangeGuards+"guard_true(i6) []\nfinish()", nil)
	assert.True(t, errors.IsInvalidTrace(err), "got %v", err)

	o, in, out := optimize(t, rangeGuards+"guard_false(i6) []\nfinish()", nil, nil)
	assert.Equal(t, intbound.New(10, 20), o.Bound(in.Box("i0")))
	assert.Equal(t, intbound.New(0, 5), o.Bound(in.Box("i1")))
	// the last comparison and its guard are gone
	assert.Len(t, out.Ops, 9)
	assert.Equal(t, 1, o.Stats().Elided)
}

func TestOverflowCheckRemoved(t *testing.T) {
	src := `
[i0]
i1 = int_and(i0, 255)
i2 = int_add_ovf(i1, 1)
guard_no_overflow() [i0]
finish(i2)
`
	o, in, out := optimize(t, src, nil, nil)
	assert.Equal(t, []string{"int_and", "int_add", "finish"}, opcodes(out))
	assert.Equal(t, intbound.New(1, 256), o.Bound(in.Box("i2")))
	assert.Equal(t, Stats{Emitted: 3, Folded: 0, Elided: 1, Reduced: 1}, o.Stats())
	// the rewritten operation keeps its result box
	assert.Same(t, in.Box("i2"), out.Ops[1].Result)
}

func TestGuardOverflowAfterProvenSafeOp(t *testing.T) {
	src := `
[i0]
i1 = int_and(i0, 255)
i2 = int_mul_ovf(i1, 2)
guard_overflow() []
finish(i2)
`
	err := optimizeErr(t, src, nil)
	assert.True(t, errors.IsInvalidTrace(err), "got %v", err)
}

// A checked operation that may overflow keeps its guard, and its result is
// bounded only after the guard.
func TestOverflowCheckKept(t *testing.T) {
	src := `
[i0, i1]
i2 = int_add_ovf(i0, i1)
guard_no_overflow() []
i3 = int_ge(i2, 0)
guard_true(i3) []
finish(i2)
`
	o, in, out := optimize(t, src, nil, map[string]intbound.IntBound{
		"i0": intbound.AtLeast(0),
		"i1": intbound.AtLeast(0),
	})
	assert.Equal(t, []string{"int_add_ovf", "guard_no_overflow", "finish"}, opcodes(out))
	assert.Equal(t, intbound.AtLeast(0), o.Bound(in.Box("i2")))
}

func TestBackwardPropagationThroughAdd(t *testing.T) {
	src := `
[i0]
i1 = int_and(i0, 1023)
i2 = int_add(i1, 10)
i3 = int_lt(i2, 100)
guard_true(i3) []
finish(i1)
`
	o, in, _ := optimize(t, src, nil, nil)
	assert.Equal(t, intbound.New(10, 99), o.Bound(in.Box("i2")))
	assert.Equal(t, intbound.New(0, 89), o.Bound(in.Box("i1")))
}

// A wrapping addition says nothing about its operands.
func TestNoBackwardPropagationThroughWrappingAdd(t *testing.T) {
	src := `
[i0]
i1 = int_add(i0, 10)
i2 = int_lt(i1, 100)
guard_true(i2) []
finish(i0)
`
	o, in, _ := optimize(t, src, nil, nil)
	assert.Equal(t, intbound.AtMost(99), o.Bound(in.Box("i1")))
	assert.Equal(t, intbound.Unbounded(), o.Bound(in.Box("i0")))
}

func TestGuardValueMakesConstant(t *testing.T) {
	src := `
[i0]
guard_value(i0, 7) [i0]
i1 = int_mul(i0, 3)
finish(i1)
`
	_, _, out := optimize(t, src, nil, nil)
	assert.Equal(t, []string{"guard_value", "finish"}, opcodes(out))
	assert.Equal(t, trace.ConstInt{Value: 21}, out.Ops[1].Args[0])

	err := optimizeErr(t, src, map[string]intbound.IntBound{"i0": intbound.New(0, 5)})
	assert.True(t, errors.IsInvalidTrace(err))
}

func TestRedundantGuardElided(t *testing.T) {
	src := `
[i0]
i1 = int_lt(i0, 10)
guard_true(i1) []
i2 = int_lt(i0, 20)
guard_true(i2) []
finish(i0)
`
	_, _, out := optimize(t, src, nil, nil)
	assert.Equal(t, []string{"int_lt", "guard_true", "finish"}, opcodes(out))
}

func TestSameBoxComparisons(t *testing.T) {
	src := `
[i0]
i1 = int_lt(i0, i0)
i2 = int_le(i0, i0)
i3 = int_eq(i0, i0)
i4 = int_xor(i0, i0)
i5 = int_sub(i0, i0)
i6 = int_or(i0, i0)
finish(i1, i2, i3, i4, i5, i6)
`
	_, in, out := optimize(t, src, nil, nil)
	want := []trace.Value{
		trace.ConstInt{Value: 0}, trace.ConstInt{Value: 1}, trace.ConstInt{Value: 1},
		trace.ConstInt{Value: 0}, trace.ConstInt{Value: 0}, in.Box("i0"),
	}
	require.Len(t, out.Ops, 1)
	assert.Equal(t, want, out.Ops[0].Args)
}

func TestAdditionChain(t *testing.T) {
	_, in, out := optimize(t, "[i0]\ni1 = int_add(i0, 1)\ni2 = int_add(2, i1)\nfinish(i1, i2)", nil, nil)
	require.Len(t, out.Ops, 3)
	assert.Equal(t, []trace.Value{in.Box("i0"), trace.ConstInt{Value: 3}}, out.Ops[1].Args)
	// the original trace is untouched
	assert.Equal(t, []trace.Value{trace.ConstInt{Value: 2}, in.Box("i1")}, in.Ops[1].Args)
}

func TestModByPowerOfTwo(t *testing.T) {
	o, in, out := optimize(t, "[i0]\ni1 = int_mod(i0, 8)\nfinish(i1)", nil,
		map[string]intbound.IntBound{"i0": intbound.AtLeast(0)})
	assert.Equal(t, trace.IntAnd, out.Ops[0].Opcode)
	assert.Equal(t, trace.ConstInt{Value: 7}, out.Ops[0].Args[1])
	assert.Equal(t, intbound.New(0, 7), o.Bound(in.Box("i1")))
}

func TestModByPossiblyZeroKept(t *testing.T) {
	o, in, out := optimize(t, "[i0, i1]\ni2 = int_mod(i0, i1)\nfinish(i2)", nil,
		map[string]intbound.IntBound{"i0": intbound.New(0, 5), "i1": intbound.New(-1, 1)})
	assert.Equal(t, []string{"int_mod", "finish"}, opcodes(out))
	assert.Equal(t, 0, o.Stats().Folded)
	assert.False(t, o.Bound(in.Box("i2")).IsConstant())

	_, defined := Eval(trace.IntMod, 3, 0)
	assert.False(t, defined)
}

func TestNoOpConversionsForwarded(t *testing.T) {
	src := `
[i0]
i1 = int_and(i0, 127)
i2 = int_signext(i1, 1)
i3 = int_force_ge_zero(i2)
i4 = same_as(i3)
finish(i4)
`
	_, in, out := optimize(t, src, nil, nil)
	assert.Equal(t, []string{"int_and", "finish"}, opcodes(out))
	assert.Same(t, in.Box("i1"), out.Ops[1].Args[0])
}

func TestNarrowLoadBounds(t *testing.T) {
	ns := trace.Namespace{
		"byte":  &trace.FieldDescr{Name: "byte", Offset: 8, Size: 1, Kind: trace.Int},
		"short": &trace.ArrayDescr{Name: "short", BaseSize: 16, ItemSize: 2, Signed: true, Kind: trace.Int},
	}
	src := `
[p0, i1]
i2 = getfield_gc(p0, descr=byte)
i3 = int_lt(i2, 256)
guard_true(i3) []
i4 = getarrayitem_gc(p0, i1, descr=short)
i5 = arraylen_gc(p0, descr=short)
finish(i2, i4, i5)
`
	o, in, out := optimize(t, src, ns, nil)
	assert.Equal(t, []string{"getfield_gc", "getarrayitem_gc", "arraylen_gc", "finish"}, opcodes(out))
	assert.Equal(t, intbound.New(0, 255), o.Bound(in.Box("i2")))
	assert.Equal(t, intbound.New(-32768, 32767), o.Bound(in.Box("i4")))
	assert.Equal(t, intbound.AtLeast(0), o.Bound(in.Box("i5")))
}

func TestNullGuards(t *testing.T) {
	ns := trace.Namespace{"sz": &trace.SizeDescr{Name: "sz", Size: 16}}
	src := `
[p0]
p1 = new(descr=sz)
guard_nonnull(p1) []
i2 = ptr_eq(p0, p0)
guard_nonnull(p0) []
guard_nonnull(p0) []
guard_isnull(NULL) []
finish(p1, i2)
`
	_, _, out := optimize(t, src, ns, nil)
	assert.Equal(t, []string{"new", "guard_nonnull", "finish"}, opcodes(out))
	assert.Equal(t, trace.ConstInt{Value: 1}, out.Ops[2].Args[1])

	err := optimizeErr(t, "[p0]\nguard_nonnull(NULL) []\nfinish()", nil)
	assert.True(t, errors.IsInvalidTrace(err))
}

func TestFailArgsRewritten(t *testing.T) {
	src := `
[i0, i1]
i2 = int_add(3, 4)
guard_true(i1) [i0, _, i2]
finish(i0)
`
	_, in, out := optimize(t, src, nil, nil)
	require.Len(t, out.Ops, 2)
	fa := out.Ops[0].FailArgs
	require.Len(t, fa, 3)
	assert.Same(t, in.Box("i0"), fa[0])
	assert.Nil(t, fa[1])
	assert.Equal(t, trace.ConstInt{Value: 7}, fa[2])
}

func TestMalformedTraceRejected(t *testing.T) {
	tr := &trace.Trace{Inputs: []*trace.Box{trace.NewBox(trace.Int)}}
	_, err := New().Optimize(tr)
	assert.True(t, errors.IsInvalidTrace(err))
}

var samples = []int64{math.MinInt64, math.MinInt64 + 1, -1000, -7, -1, 0, 1, 2, 3, 7, 64, 1000, math.MaxInt64 - 1, math.MaxInt64}

var reference = map[trace.Opcode]func(x, y int64) (int64, bool){
	trace.IntAdd: func(x, y int64) (int64, bool) { return x + y, true },
	trace.IntSub: func(x, y int64) (int64, bool) { return x - y, true },
	trace.IntMul: func(x, y int64) (int64, bool) { return x * y, true },
	trace.IntAnd: func(x, y int64) (int64, bool) { return x & y, true },
	trace.IntOr:  func(x, y int64) (int64, bool) { return x | y, true },
	trace.IntXor: func(x, y int64) (int64, bool) { return x ^ y, true },
	trace.IntFloorDiv: func(x, y int64) (int64, bool) {
		if y == 0 || (x == math.MinInt64 && y == -1) {
			return 0, false
		}
		return x / y, true
	},
	trace.IntLT:  func(x, y int64) (int64, bool) { return b2i(x < y), true },
	trace.IntLE:  func(x, y int64) (int64, bool) { return b2i(x <= y), true },
	trace.IntGT:  func(x, y int64) (int64, bool) { return b2i(x > y), true },
	trace.IntGE:  func(x, y int64) (int64, bool) { return b2i(x >= y), true },
	trace.IntEQ:  func(x, y int64) (int64, bool) { return b2i(x == y), true },
	trace.IntNE:  func(x, y int64) (int64, bool) { return b2i(x != y), true },
	trace.UintLT: func(x, y int64) (int64, bool) { return b2i(uint64(x) < uint64(y)), true },
	trace.UintGE: func(x, y int64) (int64, bool) { return b2i(uint64(x) >= uint64(y)), true },
}

// Folding constant operands gives the machine result.
func TestConstantFoldingMatchesMachine(t *testing.T) {
	for opcode, ref := range reference {
		for _, x := range samples {
			for _, y := range samples {
				want, ok := ref(x, y)
				tr := &trace.Trace{}
				op := trace.NewOp(opcode, []trace.Value{trace.ConstInt{Value: x}, trace.ConstInt{Value: y}}, nil)
				tr.Ops = []*trace.Operation{op, trace.NewOp(trace.Finish, []trace.Value{op.Result}, nil)}
				out, err := New().Optimize(tr)
				require.NoError(t, err)
				got := out.Ops[len(out.Ops)-1].Args[0]
				if !ok {
					assert.Len(t, out.Ops, 2, "%s(%d, %d) must not fold", opcode, x, y)
					continue
				}
				assert.Equal(t, trace.ConstInt{Value: want}, got, "%s(%d, %d)", opcode, x, y)
			}
		}
	}
}

var intervals = []intbound.IntBound{
	intbound.Const(0), intbound.Const(5), intbound.New(-3, 3), intbound.New(0, 10),
	intbound.New(10, 20), intbound.New(-20, -10), intbound.AtLeast(0), intbound.AtMost(-1),
	intbound.New(math.MaxInt64-2, math.MaxInt64), intbound.New(math.MinInt64, math.MinInt64+2),
}

func inside(b intbound.IntBound) []int64 {
	var out []int64
	for _, v := range samples {
		if b.Contains(v) {
			out = append(out, v)
		}
	}
	if b.HasLower {
		out = append(out, b.Lower)
	}
	if b.HasUpper {
		out = append(out, b.Upper)
	}
	return out
}

// Whenever the bounds alone fold an operation, every concrete input allowed
// by those bounds produces the folded constant.
func TestBoundFoldingIsSound(t *testing.T) {
	for opcode, ref := range reference {
		for _, bx := range intervals {
			for _, by := range intervals {
				x, y := trace.NewBox(trace.Int), trace.NewBox(trace.Int)
				op := trace.NewOp(opcode, []trace.Value{x, y}, nil)
				tr := &trace.Trace{
					Inputs: []*trace.Box{x, y},
					Ops:    []*trace.Operation{op, trace.NewOp(trace.Finish, []trace.Value{op.Result}, nil)},
				}
				o := New()
				o.AssumeBound(x, bx)
				o.AssumeBound(y, by)
				out, err := o.Optimize(tr)
				require.NoError(t, err)
				c, folded := out.Ops[len(out.Ops)-1].Args[0].(trace.ConstInt)
				for _, vx := range inside(bx) {
					for _, vy := range inside(by) {
						want, ok := ref(vx, vy)
						if !ok {
							continue
						}
						if folded {
							assert.Equal(t, want, c.Value, "%s on %s %s folded wrongly for (%d, %d)", opcode, bx, by, vx, vy)
						} else {
							assert.True(t, o.Bound(op.Result).Contains(want), "%s on %s %s: %d outside %s", opcode, bx, by, want, o.Bound(op.Result))
						}
					}
				}
			}
		}
	}
}
