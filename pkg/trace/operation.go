package trace

import (
	"fmt"
	"strings"
)

// Operation is one step of a trace. Operations are treated as immutable once
// appended; rewrites produce a new Operation.
type Operation struct {
	Opcode Opcode
	Args   []Value
	Result *Box
	Descr  Descr
	// FailArgs lists the values live at a guard or finish. A nil entry is a
	// hole: a position the interpreter does not need.
	FailArgs []Value
}

// NewOp builds an operation, creating a result box when the opcode has one.
func NewOp(opcode Opcode, args []Value, descr Descr) *Operation {
	op := &Operation{Opcode: opcode, Args: args, Descr: descr}
	if k := opcode.ResultKind(descr); k != Void {
		op.Result = NewBox(k)
	}
	return op
}

// Copy returns a shallow copy with its own argument slices.
func (op *Operation) Copy() *Operation {
	c := *op
	c.Args = append([]Value(nil), op.Args...)
	if op.FailArgs != nil {
		c.FailArgs = append([]Value(nil), op.FailArgs...)
	}
	return &c
}

// WithArgs returns a copy of op using args.
func (op *Operation) WithArgs(args ...Value) *Operation {
	c := op.Copy()
	c.Args = args
	return c
}

// WithOpcode returns a copy of op with a different opcode. The result box is
// kept so consumers stay valid.
func (op *Operation) WithOpcode(opcode Opcode, args ...Value) *Operation {
	c := op.Copy()
	c.Opcode = opcode
	if args != nil {
		c.Args = args
	}
	return c
}

// Arg returns the i-th argument.
func (op *Operation) Arg(i int) Value {
	return op.Args[i]
}

func (op *Operation) String() string {
	var sb strings.Builder
	if op.Result != nil {
		sb.WriteString(op.Result.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Opcode.String())
	sb.WriteByte('(')
	for i, a := range op.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("descr=")
		sb.WriteString(op.Descr.DescrName())
	}
	sb.WriteByte(')')
	if op.Opcode.IsGuard() {
		sb.WriteString(" [")
		for i, a := range op.FailArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			if a == nil {
				sb.WriteString("_")
			} else {
				sb.WriteString(a.String())
			}
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// Trace is a linear sequence of operations with typed inputs. Loops end in a
// jump, other traces in a finish.
type Trace struct {
	Inputs []*Box
	Ops    []*Operation
	// Token identifies the trace as a jump target; a jump whose descriptor
	// is nil or Token closes the loop.
	Token *TargetToken
}

func (t *Trace) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, in := range t.Inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(in.String())
	}
	sb.WriteString("]\n")
	for _, op := range t.Ops {
		sb.WriteString(op.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Validate checks that every box is defined before use, that argument counts
// and kinds match, and that the trace ends in a final operation.
func (t *Trace) Validate() error {
	defined := make(map[*Box]bool, len(t.Inputs)+len(t.Ops))
	for _, in := range t.Inputs {
		defined[in] = true
	}
	check := func(i int, v Value) error {
		if b, ok := v.(*Box); ok && !defined[b] {
			return fmt.Errorf("op %d (%s): %s used before definition", i, t.Ops[i].Opcode, b)
		}
		return nil
	}
	for i, op := range t.Ops {
		if n := op.Opcode.Arity(); n >= 0 && len(op.Args) != n {
			return fmt.Errorf("op %d (%s): expected %d args, got %d", i, op.Opcode, n, len(op.Args))
		}
		for _, a := range op.Args {
			if err := check(i, a); err != nil {
				return err
			}
		}
		if err := checkKinds(i, op); err != nil {
			return err
		}
		for _, a := range op.FailArgs {
			if a == nil {
				continue
			}
			if err := check(i, a); err != nil {
				return err
			}
		}
		if op.Opcode.IsFinal() && i != len(t.Ops)-1 {
			return fmt.Errorf("op %d (%s): final operation before end of trace", i, op.Opcode)
		}
		if op.Result != nil {
			if defined[op.Result] {
				return fmt.Errorf("op %d (%s): %s defined twice", i, op.Opcode, op.Result)
			}
			defined[op.Result] = true
		}
	}
	if len(t.Ops) == 0 || !t.Ops[len(t.Ops)-1].Opcode.IsFinal() {
		return fmt.Errorf("trace does not end in jump or finish")
	}
	return nil
}

func checkKinds(i int, op *Operation) error {
	want := op.Opcode.ArgKinds()
	for k, a := range op.Args {
		if k >= len(want) {
			break
		}
		if want[k] != Any && a.Kind() != want[k] {
			return fmt.Errorf("op %d (%s): argument %d is %s, want %s", i, op.Opcode, k, a.Kind(), want[k])
		}
	}
	switch op.Opcode {
	case GuardValue:
		if op.Args[0].Kind() != op.Args[1].Kind() {
			return fmt.Errorf("op %d (%s): compares %s with %s", i, op.Opcode, op.Args[0].Kind(), op.Args[1].Kind())
		}
	case GuardNonNull, GuardIsNull:
		if op.Args[0].Kind() == Float {
			return fmt.Errorf("op %d (%s): argument 0 is %s", i, op.Opcode, Float)
		}
	}
	return nil
}
