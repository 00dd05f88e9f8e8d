package backend

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/tidwall/btree"

	"github.com/ascrivener/tracejit/pkg/recovery"
)

// RootMap records, for every call site that may run the collector, which
// frame slots hold live references while the callee runs. Call sites are
// identified by their return address, which generated code stores in
// recovery.SlotCallSite just before the call.
type RootMap struct {
	sites btree.Map[uintptr, *bitset.BitSet]
}

// Add records the slots for the call returning to retAddr.
func (m *RootMap) Add(retAddr uintptr, slots *bitset.BitSet) {
	m.sites.Set(retAddr, slots)
}

// Lookup returns the slot set recorded for retAddr.
func (m *RootMap) Lookup(retAddr uintptr) (*bitset.BitSet, bool) {
	return m.sites.Get(retAddr)
}

// Slots returns the recorded slot numbers for retAddr in increasing order.
func (m *RootMap) Slots(retAddr uintptr) []int {
	set, ok := m.sites.Get(retAddr)
	if !ok {
		return nil
	}
	out := make([]int, 0, set.Count())
	for i, e := set.NextSet(0); e; i, e = set.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Sites returns the recorded return addresses in increasing order.
func (m *RootMap) Sites() []uintptr {
	out := make([]uintptr, 0, m.sites.Len())
	m.sites.Scan(func(addr uintptr, _ *bitset.BitSet) bool {
		out = append(out, addr)
		return true
	})
	return out
}

func (m *RootMap) Len() int {
	return m.sites.Len()
}

// Walk calls fn with every live reference slot of frame, using the call
// site recorded in the frame. It reports false when the frame's call site
// has no root map, which means no collecting call is in progress.
func (m *RootMap) Walk(frame []uint64, fn func(slot int, ref uint64)) bool {
	set, ok := m.sites.Get(uintptr(frame[recovery.SlotCallSite]))
	if !ok {
		return false
	}
	for i, e := set.NextSet(0); e; i, e = set.NextSet(i + 1) {
		if int(i) < len(frame) {
			fn(int(i), frame[i])
		}
	}
	return true
}
