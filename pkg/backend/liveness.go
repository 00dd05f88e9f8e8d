package backend

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// liveness numbers the boxes of a trace and records where each is defined
// and last used. Inputs are defined at -1.
type liveness struct {
	boxes   []*trace.Box
	index   map[*trace.Box]int
	def     []int
	lastUse []int
	uses    []int
}

func computeLiveness(t *trace.Trace) *liveness {
	boxes := location.Boxes(t)
	l := &liveness{
		boxes:   boxes,
		index:   make(map[*trace.Box]int, len(boxes)),
		def:     make([]int, len(boxes)),
		lastUse: make([]int, len(boxes)),
		uses:    make([]int, len(boxes)),
	}
	for n, b := range boxes {
		l.index[b] = n
		l.def[n] = -1
		l.lastUse[n] = -1
	}
	use := func(i int, v trace.Value) {
		b, ok := v.(*trace.Box)
		if !ok {
			return
		}
		n := l.index[b]
		l.lastUse[n] = i
		l.uses[n]++
	}
	for i, op := range t.Ops {
		for _, a := range op.Args {
			use(i, a)
		}
		for _, a := range op.FailArgs {
			if a != nil {
				use(i, a)
			}
		}
		if op.Result != nil {
			l.def[l.index[op.Result]] = i
		}
	}
	return l
}

// liveAfter returns the boxes still needed once operation i has run,
// excluding its own result.
func (l *liveness) liveAfter(i int) *bitset.BitSet {
	set := bitset.New(uint(len(l.boxes)))
	for n := range l.boxes {
		if l.def[n] < i && l.lastUse[n] > i {
			set.Set(uint(n))
		}
	}
	return set
}

// usedOnce reports whether b is used by exactly one operation argument or
// fail argument.
func (l *liveness) usedOnce(b *trace.Box) bool {
	n, ok := l.index[b]
	return ok && l.uses[n] == 1
}

func (l *liveness) box(n uint) *trace.Box {
	return l.boxes[n]
}
