package location

import "github.com/ascrivener/tracejit/pkg/trace"

// SpillAll places every box of t in its own stack position.
func SpillAll(t *trace.Trace) Assignment {
	a := make(Assignment)
	next := 0
	for _, b := range Boxes(t) {
		a[b] = OnStack(next)
		next += Width(b.Kind())
	}
	return a
}

// FirstFit hands out the given registers to boxes in definition order and
// spills the rest. Registers are never reused, so no liveness is needed.
// gprs serve int and ref boxes, xmms serve floats.
func FirstFit(t *trace.Trace, gprs, xmms []int) Assignment {
	a := make(Assignment)
	next := 0
	for _, b := range Boxes(t) {
		pool := &gprs
		if b.Kind() == trace.Float {
			pool = &xmms
		}
		if len(*pool) > 0 {
			a[b] = InReg((*pool)[0])
			*pool = (*pool)[1:]
			continue
		}
		a[b] = OnStack(next)
		next += Width(b.Kind())
	}
	return a
}

// Extend adds assignments for the boxes of t not yet in a, placing them on
// the stack after the positions a already uses.
func (a Assignment) Extend(t *trace.Trace) {
	next := a.StackDepth()
	for _, b := range Boxes(t) {
		if _, ok := a[b]; ok {
			continue
		}
		a[b] = OnStack(next)
		next += Width(b.Kind())
	}
}
