package trace

import "fmt"

// Opcode identifies an operation. The set is closed.
type Opcode uint16

const (
	IntAdd Opcode = iota
	IntSub
	IntMul
	IntFloorDiv
	IntMod
	IntAnd
	IntOr
	IntXor
	IntLShift
	IntRShift
	UintRShift
	IntNeg
	IntInvert
	IntAddOvf
	IntSubOvf
	IntMulOvf
	IntSignExt
	IntForceGEZero
	SameAs

	IntLT
	IntLE
	IntGT
	IntGE
	IntEQ
	IntNE
	UintLT
	UintLE
	UintGT
	UintGE
	IntIsTrue
	IntIsZero
	PtrEQ
	PtrNE

	FloatAdd
	FloatSub
	FloatMul
	FloatTrueDiv
	FloatNeg
	FloatAbs
	FloatLT
	FloatLE
	FloatGT
	FloatGE
	FloatEQ
	FloatNE
	CastIntToFloat
	CastFloatToInt

	GetFieldGC
	SetFieldGC
	GetArrayItemGC
	SetArrayItemGC
	ArrayLenGC

	New
	NewArray

	Call
	CallAssembler

	GuardTrue
	GuardFalse
	GuardValue
	GuardNonNull
	GuardIsNull
	GuardNoOverflow
	GuardOverflow

	Jump
	Finish

	numOpcodes
)

type opFlags uint8

const (
	flagPure opFlags = 1 << iota
	flagGuard
	flagComparison
	flagOvf
	flagFinal
	// flagResultFromDescr: the result kind comes from the descriptor.
	flagResultFromDescr
)

type opInfo struct {
	name   string
	arity  int // -1 for variadic
	result Kind
	flags  opFlags
}

var opTable = [numOpcodes]opInfo{
	IntAdd:         {"int_add", 2, Int, flagPure},
	IntSub:         {"int_sub", 2, Int, flagPure},
	IntMul:         {"int_mul", 2, Int, flagPure},
	IntFloorDiv:    {"int_floordiv", 2, Int, flagPure},
	IntMod:         {"int_mod", 2, Int, flagPure},
	IntAnd:         {"int_and", 2, Int, flagPure},
	IntOr:          {"int_or", 2, Int, flagPure},
	IntXor:         {"int_xor", 2, Int, flagPure},
	IntLShift:      {"int_lshift", 2, Int, flagPure},
	IntRShift:      {"int_rshift", 2, Int, flagPure},
	UintRShift:     {"uint_rshift", 2, Int, flagPure},
	IntNeg:         {"int_neg", 1, Int, flagPure},
	IntInvert:      {"int_invert", 1, Int, flagPure},
	IntAddOvf:      {"int_add_ovf", 2, Int, flagOvf},
	IntSubOvf:      {"int_sub_ovf", 2, Int, flagOvf},
	IntMulOvf:      {"int_mul_ovf", 2, Int, flagOvf},
	IntSignExt:     {"int_signext", 2, Int, flagPure},
	IntForceGEZero: {"int_force_ge_zero", 1, Int, flagPure},
	SameAs:         {"same_as", 1, Int, flagPure},

	IntLT:     {"int_lt", 2, Int, flagPure | flagComparison},
	IntLE:     {"int_le", 2, Int, flagPure | flagComparison},
	IntGT:     {"int_gt", 2, Int, flagPure | flagComparison},
	IntGE:     {"int_ge", 2, Int, flagPure | flagComparison},
	IntEQ:     {"int_eq", 2, Int, flagPure | flagComparison},
	IntNE:     {"int_ne", 2, Int, flagPure | flagComparison},
	UintLT:    {"uint_lt", 2, Int, flagPure | flagComparison},
	UintLE:    {"uint_le", 2, Int, flagPure | flagComparison},
	UintGT:    {"uint_gt", 2, Int, flagPure | flagComparison},
	UintGE:    {"uint_ge", 2, Int, flagPure | flagComparison},
	IntIsTrue: {"int_is_true", 1, Int, flagPure | flagComparison},
	IntIsZero: {"int_is_zero", 1, Int, flagPure | flagComparison},
	PtrEQ:     {"ptr_eq", 2, Int, flagPure | flagComparison},
	PtrNE:     {"ptr_ne", 2, Int, flagPure | flagComparison},

	FloatAdd:       {"float_add", 2, Float, flagPure},
	FloatSub:       {"float_sub", 2, Float, flagPure},
	FloatMul:       {"float_mul", 2, Float, flagPure},
	FloatTrueDiv:   {"float_truediv", 2, Float, flagPure},
	FloatNeg:       {"float_neg", 1, Float, flagPure},
	FloatAbs:       {"float_abs", 1, Float, flagPure},
	FloatLT:        {"float_lt", 2, Int, flagPure | flagComparison},
	FloatLE:        {"float_le", 2, Int, flagPure | flagComparison},
	FloatGT:        {"float_gt", 2, Int, flagPure | flagComparison},
	FloatGE:        {"float_ge", 2, Int, flagPure | flagComparison},
	FloatEQ:        {"float_eq", 2, Int, flagPure | flagComparison},
	FloatNE:        {"float_ne", 2, Int, flagPure | flagComparison},
	CastIntToFloat: {"cast_int_to_float", 1, Float, flagPure},
	CastFloatToInt: {"cast_float_to_int", 1, Int, flagPure},

	GetFieldGC:     {"getfield_gc", 1, Int, flagResultFromDescr},
	SetFieldGC:     {"setfield_gc", 2, Void, 0},
	GetArrayItemGC: {"getarrayitem_gc", 2, Int, flagResultFromDescr},
	SetArrayItemGC: {"setarrayitem_gc", 3, Void, 0},
	ArrayLenGC:     {"arraylen_gc", 1, Int, 0},

	New:      {"new", 0, Ref, 0},
	NewArray: {"new_array", 1, Ref, 0},

	Call:          {"call", -1, Int, flagResultFromDescr},
	CallAssembler: {"call_assembler", -1, Int, flagResultFromDescr},

	GuardTrue:       {"guard_true", 1, Void, flagGuard},
	GuardFalse:      {"guard_false", 1, Void, flagGuard},
	GuardValue:      {"guard_value", 2, Void, flagGuard},
	GuardNonNull:    {"guard_nonnull", 1, Void, flagGuard},
	GuardIsNull:     {"guard_isnull", 1, Void, flagGuard},
	GuardNoOverflow: {"guard_no_overflow", 0, Void, flagGuard},
	GuardOverflow:   {"guard_overflow", 0, Void, flagGuard},

	Jump:   {"jump", -1, Void, flagFinal},
	Finish: {"finish", -1, Void, flagFinal},
}

var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op := Opcode(0); op < numOpcodes; op++ {
		m[opTable[op].name] = op
	}
	return m
}()

// OpcodeByName looks up an opcode by its text-format name.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opTable[op].name
	}
	return fmt.Sprintf("Opcode(%d)", uint16(op))
}

// Arity is the number of arguments, or -1 when variadic.
func (op Opcode) Arity() int { return opTable[op].arity }

// IsPure reports whether the operation has no side effects and its result
// depends only on its arguments.
func (op Opcode) IsPure() bool       { return opTable[op].flags&flagPure != 0 }
func (op Opcode) IsGuard() bool      { return opTable[op].flags&flagGuard != 0 }
func (op Opcode) IsComparison() bool { return opTable[op].flags&flagComparison != 0 }
func (op Opcode) IsOvf() bool        { return opTable[op].flags&flagOvf != 0 }

// IsFinal reports whether the operation ends a trace.
func (op Opcode) IsFinal() bool { return opTable[op].flags&flagFinal != 0 }

// HasFailArgs reports whether the operation carries a live-value list.
func (op Opcode) HasFailArgs() bool { return op.IsGuard() || op == Finish }

// WithoutOverflowCheck maps an ovf-checked opcode to its wrapping form.
func (op Opcode) WithoutOverflowCheck() Opcode {
	switch op {
	case IntAddOvf:
		return IntAdd
	case IntSubOvf:
		return IntSub
	case IntMulOvf:
		return IntMul
	}
	return op
}

// ResultKind returns the kind of the operation's result, consulting the
// descriptor for loads and calls.
func (op Opcode) ResultKind(d Descr) Kind {
	info := opTable[op]
	if info.flags&flagResultFromDescr != 0 && d != nil {
		if rk, ok := d.(interface{ ResultKind() Kind }); ok {
			return rk.ResultKind()
		}
	}
	return info.result
}

// Any marks an argument position whose kind is not fixed by the opcode.
const Any = Void

var (
	kindsI   = []Kind{Int}
	kindsII  = []Kind{Int, Int}
	kindsF   = []Kind{Float}
	kindsFF  = []Kind{Float, Float}
	kindsRR  = []Kind{Ref, Ref}
	kindsR   = []Kind{Ref}
	kindsRA  = []Kind{Ref, Any}
	kindsRI  = []Kind{Ref, Int}
	kindsRIA = []Kind{Ref, Int, Any}
	kindsA   = []Kind{Any}
	kindsAA  = []Kind{Any, Any}
)

// ArgKinds returns the kind each argument must have, with Any where the
// opcode leaves it open. Variadic opcodes return nil; their arguments are
// typed by descriptors or targets.
func (op Opcode) ArgKinds() []Kind {
	switch op {
	case IntNeg, IntInvert, IntForceGEZero, IntIsTrue, IntIsZero,
		GuardTrue, GuardFalse, CastIntToFloat, NewArray:
		return kindsI
	case FloatNeg, FloatAbs, CastFloatToInt:
		return kindsF
	case FloatAdd, FloatSub, FloatMul, FloatTrueDiv,
		FloatLT, FloatLE, FloatGT, FloatGE, FloatEQ, FloatNE:
		return kindsFF
	case PtrEQ, PtrNE:
		return kindsRR
	case GetFieldGC, ArrayLenGC:
		return kindsR
	case SetFieldGC:
		return kindsRA
	case GetArrayItemGC:
		return kindsRI
	case SetArrayItemGC:
		return kindsRIA
	case SameAs, GuardNonNull, GuardIsNull:
		return kindsA
	case GuardValue:
		return kindsAA
	case New, GuardNoOverflow, GuardOverflow, Call, CallAssembler, Jump, Finish:
		return nil
	}
	return kindsII
}
