package optimizer

import (
	"math"

	"github.com/ascrivener/tracejit/pkg/trace"
)

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Eval computes a pure integer operation on concrete 64-bit operands with
// machine semantics: wrapping arithmetic, truncating division. It returns
// false for opcodes it does not handle and for inputs that would trap at run
// time (division by zero, MinInt64 / -1, shift counts outside [0, 63]).
func Eval(opcode trace.Opcode, args ...int64) (int64, bool) {
	var x, y int64
	if len(args) > 0 {
		x = args[0]
	}
	if len(args) > 1 {
		y = args[1]
	}
	switch opcode {
	case trace.IntAdd:
		return x + y, true
	case trace.IntSub:
		return x - y, true
	case trace.IntMul:
		return x * y, true
	case trace.IntFloorDiv, trace.IntMod:
		if y == 0 || (x == math.MinInt64 && y == -1) {
			return 0, false
		}
		if opcode == trace.IntFloorDiv {
			return x / y, true
		}
		return x % y, true
	case trace.IntAnd:
		return x & y, true
	case trace.IntOr:
		return x | y, true
	case trace.IntXor:
		return x ^ y, true
	case trace.IntLShift, trace.IntRShift, trace.UintRShift:
		if y < 0 || y > 63 {
			return 0, false
		}
		switch opcode {
		case trace.IntLShift:
			return x << uint(y), true
		case trace.IntRShift:
			return x >> uint(y), true
		}
		return int64(uint64(x) >> uint(y)), true
	case trace.IntNeg:
		return -x, true
	case trace.IntInvert:
		return ^x, true
	case trace.IntSignExt:
		switch y {
		case 1, 2, 4, 8:
			s := uint(64 - 8*y)
			return x << s >> s, true
		}
		return 0, false
	case trace.IntForceGEZero:
		return max(x, 0), true
	case trace.SameAs:
		return x, true
	case trace.IntLT:
		return b2i(x < y), true
	case trace.IntLE:
		return b2i(x <= y), true
	case trace.IntGT:
		return b2i(x > y), true
	case trace.IntGE:
		return b2i(x >= y), true
	case trace.IntEQ:
		return b2i(x == y), true
	case trace.IntNE:
		return b2i(x != y), true
	case trace.UintLT:
		return b2i(uint64(x) < uint64(y)), true
	case trace.UintLE:
		return b2i(uint64(x) <= uint64(y)), true
	case trace.UintGT:
		return b2i(uint64(x) > uint64(y)), true
	case trace.UintGE:
		return b2i(uint64(x) >= uint64(y)), true
	case trace.IntIsTrue:
		return b2i(x != 0), true
	case trace.IntIsZero:
		return b2i(x == 0), true
	}
	return 0, false
}

// foldConstants evaluates a pure integer operation whose arguments are all
// constants.
func foldConstants(op *trace.Operation) (int64, bool) {
	if !op.Opcode.IsPure() || op.Result == nil || op.Result.Kind() != trace.Int {
		return 0, false
	}
	var buf [2]int64
	args := buf[:0]
	for _, a := range op.Args {
		c, ok := a.(trace.ConstInt)
		if !ok {
			return 0, false
		}
		args = append(args, c.Value)
	}
	return Eval(op.Opcode, args...)
}
