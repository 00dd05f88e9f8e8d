// Package intbound implements the integer interval domain used by the bounds
// optimizer. All arithmetic is on 64-bit two's-complement words; any corner
// computation that leaves the word range makes the affected side unbounded.
package intbound

import (
	"fmt"
	"math"
)

// IntBound is the set of values an integer may take. A missing side is
// unbounded. When both sides are present Lower <= Upper, except transiently
// after Intersect/Make* narrowed it to nothing (see Empty).
type IntBound struct {
	HasLower bool
	Lower    int64
	HasUpper bool
	Upper    int64
}

// Unbounded returns the interval of every int64.
func Unbounded() IntBound {
	return IntBound{}
}

// Const returns the degenerate interval [v, v].
func Const(v int64) IntBound {
	return IntBound{HasLower: true, Lower: v, HasUpper: true, Upper: v}
}

// New returns [lo, hi].
func New(lo, hi int64) IntBound {
	return IntBound{HasLower: true, Lower: lo, HasUpper: true, Upper: hi}
}

// AtLeast returns [lo, +inf).
func AtLeast(lo int64) IntBound {
	return IntBound{HasLower: true, Lower: lo}
}

// AtMost returns (-inf, hi].
func AtMost(hi int64) IntBound {
	return IntBound{HasUpper: true, Upper: hi}
}

func (b IntBound) IsConstant() bool {
	return b.HasLower && b.HasUpper && b.Lower == b.Upper
}

// Constant returns the single value of a constant interval.
func (b IntBound) Constant() int64 {
	if !b.IsConstant() {
		panic("intbound: Constant on non-constant interval " + b.String())
	}
	return b.Lower
}

// Bounded reports whether both sides are present.
func (b IntBound) Bounded() bool {
	return b.HasLower && b.HasUpper
}

// Empty reports whether narrowing left no possible value.
func (b IntBound) Empty() bool {
	return b.HasLower && b.HasUpper && b.Lower > b.Upper
}

func (b IntBound) Contains(v int64) bool {
	if b.HasLower && v < b.Lower {
		return false
	}
	if b.HasUpper && v > b.Upper {
		return false
	}
	return true
}

// ContainsBound reports whether every value of o is also in b.
func (b IntBound) ContainsBound(o IntBound) bool {
	if b.HasLower {
		if !o.HasLower || o.Lower < b.Lower {
			return false
		}
	}
	if b.HasUpper {
		if !o.HasUpper || o.Upper > b.Upper {
			return false
		}
	}
	return true
}

func (b IntBound) KnownLT(o IntBound) bool {
	return b.HasUpper && o.HasLower && b.Upper < o.Lower
}

func (b IntBound) KnownLE(o IntBound) bool {
	return b.HasUpper && o.HasLower && b.Upper <= o.Lower
}

func (b IntBound) KnownGT(o IntBound) bool {
	return o.KnownLT(b)
}

func (b IntBound) KnownGE(o IntBound) bool {
	return o.KnownLE(b)
}

func (b IntBound) KnownNonNegative() bool {
	return b.HasLower && b.Lower >= 0
}

// Intersect narrows b to the values also in o and reports whether b changed.
func (b *IntBound) Intersect(o IntBound) bool {
	changed := false
	if o.HasLower && (!b.HasLower || o.Lower > b.Lower) {
		b.HasLower, b.Lower = true, o.Lower
		changed = true
	}
	if o.HasUpper && (!b.HasUpper || o.Upper < b.Upper) {
		b.HasUpper, b.Upper = true, o.Upper
		changed = true
	}
	return changed
}

func (b *IntBound) makeLEConst(v int64) bool {
	if !b.HasUpper || v < b.Upper {
		b.HasUpper, b.Upper = true, v
		return true
	}
	return false
}

func (b *IntBound) makeGEConst(v int64) bool {
	if !b.HasLower || v > b.Lower {
		b.HasLower, b.Lower = true, v
		return true
	}
	return false
}

// MakeLE narrows b to values <= some value of o.
func (b *IntBound) MakeLE(o IntBound) bool {
	if o.HasUpper {
		return b.makeLEConst(o.Upper)
	}
	return false
}

// MakeLT narrows b to values < some value of o.
func (b *IntBound) MakeLT(o IntBound) bool {
	if o.HasUpper {
		if o.Upper == math.MinInt64 {
			// nothing is smaller: force an empty interval
			b.HasLower, b.Lower = true, math.MaxInt64
			b.HasUpper, b.Upper = true, math.MinInt64
			return true
		}
		return b.makeLEConst(o.Upper - 1)
	}
	return false
}

func (b *IntBound) MakeGE(o IntBound) bool {
	if o.HasLower {
		return b.makeGEConst(o.Lower)
	}
	return false
}

func (b *IntBound) MakeGT(o IntBound) bool {
	if o.HasLower {
		if o.Lower == math.MaxInt64 {
			b.HasLower, b.Lower = true, math.MaxInt64
			b.HasUpper, b.Upper = true, math.MinInt64
			return true
		}
		return b.makeGEConst(o.Lower + 1)
	}
	return false
}

func (b IntBound) String() string {
	lo, hi := "-inf", "+inf"
	if b.HasLower {
		lo = fmt.Sprint(b.Lower)
	}
	if b.HasUpper {
		hi = fmt.Sprint(b.Upper)
	}
	return "[" + lo + ", " + hi + "]"
}
