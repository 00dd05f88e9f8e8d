package intbound

import "math"

// CheckedAdd returns a+b and whether the sum left the int64 range.
func CheckedAdd(a, b int64) (int64, bool) {
	r := a + b
	return r, (a >= 0) == (b >= 0) && (r >= 0) != (a >= 0)
}

// CheckedSub returns a-b and whether the difference left the int64 range.
func CheckedSub(a, b int64) (int64, bool) {
	r := a - b
	return r, (a >= 0) != (b >= 0) && (r >= 0) != (a >= 0)
}

// CheckedMul returns a*b and whether the product left the int64 range.
func CheckedMul(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	r := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return r, true
	}
	return r, r/b != a
}

// CheckedLShift returns a<<n and whether bits were lost. n must be in [0, 63].
func CheckedLShift(a int64, n int64) (int64, bool) {
	r := a << uint(n)
	return r, r>>uint(n) != a
}

// Add bounds the mathematical sum. A side whose corner overflows is dropped,
// so the result only describes wrapping additions when it is Bounded.
func (b IntBound) Add(o IntBound) IntBound {
	r := Unbounded()
	if b.HasLower && o.HasLower {
		if v, ovf := CheckedAdd(b.Lower, o.Lower); !ovf {
			r.HasLower, r.Lower = true, v
		}
	}
	if b.HasUpper && o.HasUpper {
		if v, ovf := CheckedAdd(b.Upper, o.Upper); !ovf {
			r.HasUpper, r.Upper = true, v
		}
	}
	return r
}

// Sub bounds the mathematical difference, with the same saturation as Add.
func (b IntBound) Sub(o IntBound) IntBound {
	r := Unbounded()
	if b.HasLower && o.HasUpper {
		if v, ovf := CheckedSub(b.Lower, o.Upper); !ovf {
			r.HasLower, r.Lower = true, v
		}
	}
	if b.HasUpper && o.HasLower {
		if v, ovf := CheckedSub(b.Upper, o.Lower); !ovf {
			r.HasUpper, r.Upper = true, v
		}
	}
	return r
}

// Neg bounds 0 - b.
func (b IntBound) Neg() IntBound {
	return Const(0).Sub(b)
}

// Mul bounds the product from its four corners; any missing side or corner
// overflow gives Unbounded.
func (b IntBound) Mul(o IntBound) IntBound {
	if !b.Bounded() || !o.Bounded() {
		return Unbounded()
	}
	return corners(b, o, func(x, y int64) (int64, bool) { return CheckedMul(x, y) })
}

// Div bounds truncating division. A divisor range that includes zero, or the
// MinInt64 / -1 corner, gives Unbounded.
func (b IntBound) Div(o IntBound) IntBound {
	if !b.Bounded() || !o.Bounded() || o.Contains(0) {
		return Unbounded()
	}
	return corners(b, o, func(x, y int64) (int64, bool) {
		if x == math.MinInt64 && y == -1 {
			return 0, true
		}
		return x / y, false
	})
}

// Mod bounds the truncating remainder: |r| < |divisor| and r has the sign of
// the dividend.
func (b IntBound) Mod(o IntBound) IntBound {
	if !o.Bounded() || o.Lower == math.MinInt64 || o.Contains(0) {
		return Unbounded()
	}
	m := o.Upper
	if -o.Lower > m {
		m = -o.Lower
	}
	m--
	switch {
	case b.KnownNonNegative():
		r := New(0, m)
		if b.HasUpper && b.Upper < m {
			r.Upper = b.Upper
		}
		return r
	case b.HasUpper && b.Upper <= 0:
		r := New(-m, 0)
		if b.HasLower && b.Lower > -m {
			r.Lower = b.Lower
		}
		return r
	}
	return New(-m, m)
}

func validShift(o IntBound) bool {
	return o.Bounded() && o.Lower >= 0 && o.Upper < 64
}

// LShift bounds b << o for counts known to lie in [0, 63].
func (b IntBound) LShift(o IntBound) IntBound {
	if !b.Bounded() || !validShift(o) {
		return Unbounded()
	}
	return corners(b, o, CheckedLShift)
}

// RShift bounds the arithmetic shift b >> o for counts in [0, 63].
func (b IntBound) RShift(o IntBound) IntBound {
	if !validShift(o) {
		return Unbounded()
	}
	if !b.Bounded() {
		// shifting right moves values towards 0 and keeps the sign
		r := Unbounded()
		if b.KnownNonNegative() {
			r.HasLower, r.Lower = true, 0
		}
		if b.HasUpper && b.Upper < 0 {
			r.HasUpper, r.Upper = true, -1
		}
		return r
	}
	return corners(b, o, func(x, y int64) (int64, bool) { return x >> uint(y), false })
}

// And bounds b & o. A non-negative operand bounds the result to [0, operand].
func (b IntBound) And(o IntBound) IntBound {
	bn, on := b.KnownNonNegative(), o.KnownNonNegative()
	switch {
	case bn && on:
		r := AtLeast(0)
		if b.HasUpper {
			r.HasUpper, r.Upper = true, b.Upper
		}
		if o.HasUpper && (!r.HasUpper || o.Upper < r.Upper) {
			r.HasUpper, r.Upper = true, o.Upper
		}
		return r
	case bn:
		return nonNegativeUpTo(b)
	case on:
		return nonNegativeUpTo(o)
	}
	return Unbounded()
}

func nonNegativeUpTo(b IntBound) IntBound {
	if b.HasUpper {
		return New(0, b.Upper)
	}
	return AtLeast(0)
}

// Or bounds b | o and b ^ o: for two non-negative operands no bit above the
// highest bit of the larger one can be set.
func (b IntBound) Or(o IntBound) IntBound {
	if !b.KnownNonNegative() || !o.KnownNonNegative() {
		return Unbounded()
	}
	if !b.HasUpper || !o.HasUpper {
		return AtLeast(0)
	}
	m := b.Upper
	if o.Upper > m {
		m = o.Upper
	}
	return New(0, nextPow2Minus1(m))
}

func nextPow2Minus1(n int64) int64 {
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n
}

func corners(b, o IntBound, f func(x, y int64) (int64, bool)) IntBound {
	xs := [2]int64{b.Lower, b.Upper}
	ys := [2]int64{o.Lower, o.Upper}
	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	for _, x := range xs {
		for _, y := range ys {
			v, ovf := f(x, y)
			if ovf {
				return Unbounded()
			}
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	return New(lo, hi)
}
