// Package location describes where the register allocator put each value.
// The backend consumes these assignments; it never invents locations.
package location

import (
	"fmt"

	"github.com/ascrivener/tracejit/pkg/trace"
)

type Kind uint8

const (
	// None means the value is not materialized at this point.
	None Kind = iota
	// Reg is a machine register: a general-purpose register for int and ref
	// values, an XMM register for floats.
	Reg
	// Stack is a spill position in the frame. Floats take two positions.
	Stack
)

// Location is a register number or a frame spill position.
type Location struct {
	Kind Kind
	Num  int
}

func InReg(n int) Location   { return Location{Kind: Reg, Num: n} }
func OnStack(n int) Location { return Location{Kind: Stack, Num: n} }

func (l Location) IsReg() bool   { return l.Kind == Reg }
func (l Location) IsStack() bool { return l.Kind == Stack }
func (l Location) IsNone() bool  { return l.Kind == None }

func (l Location) String() string {
	switch l.Kind {
	case Reg:
		return fmt.Sprintf("reg%d", l.Num)
	case Stack:
		return fmt.Sprintf("stack%d", l.Num)
	}
	return "none"
}

// Width is the number of spill positions a value of kind k occupies.
func Width(k trace.Kind) int {
	if k == trace.Float {
		return 2
	}
	return 1
}

// Assignment maps every box of a trace to one location for the whole trace.
// Two boxes that are live at the same time never share a location.
type Assignment map[*trace.Box]Location

// Of returns the location of v, or None for constants and unassigned boxes.
func (a Assignment) Of(v trace.Value) Location {
	if b, ok := v.(*trace.Box); ok {
		return a[b]
	}
	return Location{}
}

// StackDepth returns the number of spill positions the assignment uses.
func (a Assignment) StackDepth() int {
	depth := 0
	for b, l := range a {
		if l.Kind == Stack {
			depth = max(depth, l.Num+Width(b.Kind()))
		}
	}
	return depth
}

// Boxes returns every box of t in definition order: inputs first.
func Boxes(t *trace.Trace) []*trace.Box {
	out := append([]*trace.Box(nil), t.Inputs...)
	for _, op := range t.Ops {
		if op.Result != nil {
			out = append(out, op.Result)
		}
	}
	return out
}
