package trace

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Kind is the machine-level type of a value.
type Kind uint8

const (
	Int Kind = iota
	Ref
	Float
	// Void marks operations without a result.
	Void
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Ref:
		return "ref"
	case Float:
		return "float"
	case Void:
		return "void"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// prefix is the first letter of box names of this kind in the text format.
func (k Kind) prefix() string {
	switch k {
	case Ref:
		return "p"
	case Float:
		return "f"
	}
	return "i"
}

// Value is an operation argument: a *Box or a constant.
type Value interface {
	Kind() Kind
	String() string
}

var boxIDs atomic.Int64

// Box is a runtime variable. Boxes are compared by identity.
type Box struct {
	kind Kind
	id   int64
	// Name is the name used when printing; the parser keeps source names.
	Name string
}

// NewBox returns a fresh variable of the given kind.
func NewBox(kind Kind) *Box {
	id := boxIDs.Add(1)
	return &Box{kind: kind, id: id, Name: fmt.Sprintf("%s%d", kind.prefix(), id)}
}

func newNamedBox(kind Kind, name string) *Box {
	return &Box{kind: kind, id: boxIDs.Add(1), Name: name}
}

func (b *Box) Kind() Kind     { return b.kind }
func (b *Box) String() string { return b.Name }

// ConstInt is an integer constant.
type ConstInt struct {
	Value int64
}

func (ConstInt) Kind() Kind       { return Int }
func (c ConstInt) String() string { return fmt.Sprint(c.Value) }

// ConstRef is a constant object address. The zero value is NULL.
type ConstRef struct {
	Addr uintptr
}

func (ConstRef) Kind() Kind { return Ref }
func (c ConstRef) String() string {
	if c.Addr == 0 {
		return "NULL"
	}
	return fmt.Sprintf("ConstPtr(%#x)", c.Addr)
}

// ConstFloat is a float constant.
type ConstFloat struct {
	Value float64
}

func (ConstFloat) Kind() Kind { return Float }
func (c ConstFloat) String() string {
	s := fmt.Sprint(c.Value)
	if c.Value == math.Trunc(c.Value) && !math.IsInf(c.Value, 0) {
		s += ".0"
	}
	return s
}

// IsConstant reports whether v is one of the constant types.
func IsConstant(v Value) bool {
	switch v.(type) {
	case ConstInt, ConstRef, ConstFloat:
		return true
	}
	return false
}

// Bits returns the raw 64-bit representation of a constant, as stored in
// registers, stack slots and failure boxes.
func Bits(v Value) (uint64, bool) {
	switch c := v.(type) {
	case ConstInt:
		return uint64(c.Value), true
	case ConstRef:
		return uint64(c.Addr), true
	case ConstFloat:
		return math.Float64bits(c.Value), true
	}
	return 0, false
}
