package recovery

import (
	"math"
	"unsafe"
)

// DefaultChunkLen is the number of slots per failure-box chunk.
const DefaultChunkLen = 256

// Array is a growable array of 64-bit slots whose elements never move:
// generated code embeds their addresses. It grows only through Reserve,
// which the assembler calls before any guard that needs the slots exists.
type Array struct {
	chunkLen int
	chunks   [][]uint64
}

func newArray(chunkLen int) *Array {
	return &Array{chunkLen: chunkLen}
}

// Reserve makes room for at least n slots.
func (a *Array) Reserve(n int) {
	for a.Len() < n {
		a.chunks = append(a.chunks, make([]uint64, a.chunkLen))
	}
}

// Len returns the reserved capacity.
func (a *Array) Len() int {
	return len(a.chunks) * a.chunkLen
}

func (a *Array) Get(i int) uint64 {
	return a.chunks[i/a.chunkLen][i%a.chunkLen]
}

func (a *Array) Set(i int, v uint64) {
	a.chunks[i/a.chunkLen][i%a.chunkLen] = v
}

// Addr returns the address of slot i for use by generated code.
func (a *Array) Addr(i int) uintptr {
	return uintptr(unsafe.Pointer(&a.chunks[i/a.chunkLen][i%a.chunkLen]))
}

// FailBoxes are the per-kind arrays that receive live values when a guard
// fails, and from which a loop or bridge reads its inputs. Position i of a
// guard's live list goes to slot i of the array for its kind.
type FailBoxes struct {
	Ints   *Array
	Refs   *Array
	Floats *Array
}

func NewFailBoxes(chunkLen int) *FailBoxes {
	if chunkLen <= 0 {
		chunkLen = DefaultChunkLen
	}
	return &FailBoxes{
		Ints:   newArray(chunkLen),
		Refs:   newArray(chunkLen),
		Floats: newArray(chunkLen),
	}
}

// Reserve makes room for n positions in every array.
func (f *FailBoxes) Reserve(n int) {
	f.Ints.Reserve(n)
	f.Refs.Reserve(n)
	f.Floats.Reserve(n)
}

func (f *FailBoxes) Int(i int) int64       { return int64(f.Ints.Get(i)) }
func (f *FailBoxes) Ref(i int) uintptr     { return uintptr(f.Refs.Get(i)) }
func (f *FailBoxes) Float(i int) float64   { return math.Float64frombits(f.Floats.Get(i)) }
func (f *FailBoxes) SetInt(i int, v int64) { f.Ints.Set(i, uint64(v)) }
func (f *FailBoxes) SetRef(i int, v uintptr) {
	f.Refs.Set(i, uint64(v))
}
func (f *FailBoxes) SetFloat(i int, v float64) {
	f.Floats.Set(i, math.Float64bits(v))
}

// ForKind returns the array holding values of the given bytecode kind.
func (f *FailBoxes) ForKind(kind int) *Array {
	switch kind {
	case KindRef:
		return f.Refs
	case KindFloat:
		return f.Floats
	}
	return f.Ints
}
