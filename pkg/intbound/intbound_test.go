package intbound

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBounds = []IntBound{
	Const(5),
	Const(0),
	Const(-1),
	New(-3, 7),
	New(0, 10),
	New(2, 3),
	New(-7, -2),
	New(1, 64),
	New(0, 63),
	New(-100, 100),
	New(math.MinInt64, -1),
	New(math.MaxInt64-3, math.MaxInt64),
	AtLeast(-5),
	AtLeast(0),
	AtMost(3),
	Unbounded(),
}

// samples returns boundary values plus a few random members of b.
func samples(b IntBound, rng *rand.Rand) []int64 {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if b.HasLower {
		lo = b.Lower
	}
	if b.HasUpper {
		hi = b.Upper
	}
	out := []int64{lo, hi}
	if lo < hi {
		out = append(out, lo+1, hi-1)
	}
	if b.Contains(0) {
		out = append(out, 0)
	}
	span := uint64(hi - lo)
	for i := 0; i < 8; i++ {
		var off uint64
		if span == math.MaxUint64 {
			off = rng.Uint64()
		} else {
			off = rng.Uint64() % (span + 1)
		}
		out = append(out, lo+int64(off))
	}
	return out
}

type binop struct {
	name     string
	abstract func(a, b IntBound) IntBound
	// concrete returns the result and whether the pair is in the domain the
	// abstract operator describes.
	concrete func(x, y int64) (int64, bool)
}

var binops = []binop{
	{"add", IntBound.Add, func(x, y int64) (int64, bool) {
		r, ovf := CheckedAdd(x, y)
		return r, !ovf
	}},
	{"sub", IntBound.Sub, func(x, y int64) (int64, bool) {
		r, ovf := CheckedSub(x, y)
		return r, !ovf
	}},
	{"mul", IntBound.Mul, func(x, y int64) (int64, bool) {
		r, ovf := CheckedMul(x, y)
		return r, !ovf
	}},
	{"div", IntBound.Div, func(x, y int64) (int64, bool) {
		if y == 0 || (x == math.MinInt64 && y == -1) {
			return 0, false
		}
		return x / y, true
	}},
	{"mod", IntBound.Mod, func(x, y int64) (int64, bool) {
		if y == 0 {
			return 0, false
		}
		return x % y, true
	}},
	{"lshift", IntBound.LShift, func(x, y int64) (int64, bool) {
		if y < 0 || y > 63 {
			return 0, false
		}
		r, lost := CheckedLShift(x, y)
		return r, !lost
	}},
	{"rshift", IntBound.RShift, func(x, y int64) (int64, bool) {
		if y < 0 || y > 63 {
			return 0, false
		}
		return x >> uint(y), true
	}},
	{"and", IntBound.And, func(x, y int64) (int64, bool) { return x & y, true }},
	{"or", IntBound.Or, func(x, y int64) (int64, bool) { return x | y, true }},
	{"xor", IntBound.Or, func(x, y int64) (int64, bool) { return x ^ y, true }},
}

// Every concrete result of a pair drawn from two intervals must lie inside
// the abstract result.
func TestSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, op := range binops {
		for _, a := range testBounds {
			for _, b := range testBounds {
				r := op.abstract(a, b)
				require.False(t, r.Empty(), "%s(%v, %v) produced empty %v", op.name, a, b, r)
				for _, x := range samples(a, rng) {
					for _, y := range samples(b, rng) {
						v, ok := op.concrete(x, y)
						if !ok {
							continue
						}
						if !r.Contains(v) {
							t.Fatalf("%s(%d, %d) = %d not in %s(%v, %v) = %v", op.name, x, y, v, op.name, a, b, r)
						}
					}
				}
			}
		}
	}
}

// A Bounded sum or difference means the machine operation cannot wrap.
func TestBoundedAddNeverWraps(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, a := range testBounds {
		for _, b := range testBounds {
			sum, diff := a.Add(b), a.Sub(b)
			for _, x := range samples(a, rng) {
				for _, y := range samples(b, rng) {
					if _, ovf := CheckedAdd(x, y); ovf && sum.Bounded() {
						t.Fatalf("%v + %v = %v is bounded but %d + %d wraps", a, b, sum, x, y)
					}
					if _, ovf := CheckedSub(x, y); ovf && diff.Bounded() {
						t.Fatalf("%v - %v = %v is bounded but %d - %d wraps", a, b, diff, x, y)
					}
				}
			}
		}
	}
}

func TestIntersectIdempotent(t *testing.T) {
	for _, b := range testBounds {
		same := b
		assert.False(t, same.Intersect(b), "intersect(%v, itself) changed", b)
		assert.Equal(t, b, same)

		withTop := b
		assert.False(t, withTop.Intersect(Unbounded()))
		assert.Equal(t, b, withTop)
	}
}

func TestIntersect(t *testing.T) {
	b := New(0, 10)
	assert.True(t, b.Intersect(New(5, 20)))
	if diff := cmp.Diff(New(5, 10), b); diff != "" {
		t.Errorf("intersect mismatch (-want +got):\n%s", diff)
	}

	b = AtLeast(3)
	assert.True(t, b.Intersect(AtMost(3)))
	assert.True(t, b.IsConstant())
	assert.Equal(t, int64(3), b.Constant())

	b = New(10, 20)
	b.Intersect(New(0, 5))
	assert.True(t, b.Empty())
}

func TestKnownComparisons(t *testing.T) {
	a, b := New(10, 20), New(0, 5)
	assert.True(t, a.KnownGT(b))
	assert.True(t, a.KnownGE(b))
	assert.False(t, a.KnownLT(b))
	assert.False(t, a.KnownLE(b))
	assert.True(t, b.KnownLT(a))

	// touching intervals are only known to be ordered non-strictly
	c, d := New(0, 5), New(5, 9)
	assert.True(t, c.KnownLE(d))
	assert.False(t, c.KnownLT(d))

	assert.False(t, Unbounded().KnownLT(Const(0)))
	assert.False(t, AtLeast(0).KnownGE(AtLeast(0)))
}

func TestContainsBound(t *testing.T) {
	int8Range := New(-128, 127)
	assert.True(t, int8Range.ContainsBound(New(0, 100)))
	assert.False(t, int8Range.ContainsBound(New(0, 200)))
	assert.False(t, int8Range.ContainsBound(AtLeast(0)))
	assert.True(t, Unbounded().ContainsBound(AtMost(-4)))
	assert.True(t, AtLeast(0).ContainsBound(Const(7)))
}

func TestMakeComparisons(t *testing.T) {
	b := Unbounded()
	assert.True(t, b.MakeLT(Const(10)))
	assert.Equal(t, AtMost(9), b)
	assert.False(t, b.MakeLE(Const(9)))

	b = New(0, 100)
	assert.True(t, b.MakeGT(New(40, 60)))
	assert.Equal(t, New(41, 100), b)
	assert.True(t, b.MakeGE(Const(50)))
	assert.Equal(t, New(50, 100), b)

	b = Unbounded()
	b.MakeLT(Const(math.MinInt64))
	assert.True(t, b.Empty())
}

func TestArithmeticSaturates(t *testing.T) {
	near := New(math.MaxInt64-1, math.MaxInt64)
	r := near.Add(Const(1))
	assert.Equal(t, AtLeast(math.MaxInt64), r)
	assert.False(t, r.Bounded())

	assert.Equal(t, Unbounded(), New(1<<40, 1<<41).Mul(New(1<<30, 1<<31)))
	assert.Equal(t, New(-20, 20), New(-2, 4).Mul(New(-5, 5)))

	assert.Equal(t, Unbounded(), New(1, 10).Div(New(-1, 1)))
	assert.Equal(t, Unbounded(), New(math.MinInt64, 0).Div(Const(-1)))
	assert.Equal(t, New(2, 5), New(10, 20).Div(New(4, 5)))

	assert.Equal(t, Unbounded(), New(1, 2).LShift(New(-1, 3)))
	assert.Equal(t, Unbounded(), New(1, 2).LShift(New(0, 64)))
	assert.Equal(t, New(4, 32), New(1, 2).LShift(New(2, 4)))
	assert.Equal(t, New(-8, 2), New(-64, 16).RShift(New(3, 4)))
}

func TestModAndBitOps(t *testing.T) {
	assert.Equal(t, New(0, 7), AtLeast(0).Mod(Const(8)))
	assert.Equal(t, New(0, 3), New(0, 3).Mod(Const(8)))
	assert.Equal(t, New(-7, 7), Unbounded().Mod(Const(-8)))
	// a divisor range containing zero says nothing
	assert.Equal(t, Unbounded(), New(0, 5).Mod(New(-1, 1)))
	assert.Equal(t, Unbounded(), New(0, 5).Mod(New(0, 4)))
	assert.Equal(t, Unbounded(), Const(3).Mod(Const(0)))

	assert.Equal(t, New(0, 15), Unbounded().And(Const(15)))
	assert.Equal(t, New(0, 12), New(0, 12).And(New(3, 100)))
	assert.Equal(t, New(0, 127), New(0, 100).Or(New(3, 9)))
	assert.Equal(t, Unbounded(), New(-1, 3).Or(Const(1)))
}

func TestString(t *testing.T) {
	assert.Equal(t, "[-inf, 4]", AtMost(4).String())
	assert.Equal(t, "[0, +inf]", AtLeast(0).String())
	assert.Equal(t, "[-3, 7]", New(-3, 7).String())
}
