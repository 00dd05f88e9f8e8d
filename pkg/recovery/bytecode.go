// Package recovery implements the guard-failure protocol shared by generated
// code and the Go driver: the per-guard recovery bytecode, the frame layout
// the failure entry dumps registers into, and the failure boxes that receive
// the live values.
package recovery

import (
	"encoding/binary"
	"fmt"

	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// Value kinds in the low two bits of a code.
const (
	KindRef     = 0
	KindInt     = 1
	KindFloat   = 2
	KindSpecial = 3
)

const (
	// CodeStop ends the value list.
	CodeStop = KindSpecial + 4*0
	// CodeHole marks a position with no live value.
	CodeHole = KindSpecial + 4*1
	// FromStack is the first location number that denotes a stack position
	// rather than a register.
	FromStack = 16
	// DebugTrailer follows the failure index in debug builds.
	DebugTrailer = 0xCC
)

// Entry is one position of a guard's live-value list.
type Entry struct {
	Hole bool
	Kind trace.Kind
	Loc  location.Location
}

func (e Entry) String() string {
	if e.Hole {
		return "hole"
	}
	return fmt.Sprintf("(%s, %s)", e.Kind, e.Loc)
}

func kindCode(k trace.Kind) int {
	switch k {
	case trace.Ref:
		return KindRef
	case trace.Float:
		return KindFloat
	}
	return KindInt
}

// code computes kind + 4*loc for a live entry.
func (e Entry) code() int {
	if e.Hole || e.Loc.IsNone() {
		return CodeHole
	}
	n := e.Loc.Num
	if e.Loc.IsStack() {
		n += FromStack
	}
	return kindCode(e.Kind) + 4*n
}

// appendCode writes n in groups of seven bits, low group first, with the
// high bit set on every byte but the last.
func appendCode(dst []byte, n int) []byte {
	for n > 0x7F {
		dst = append(dst, byte(n&0x7F)|0x80)
		n >>= 7
	}
	return append(dst, byte(n))
}

// readCode decodes one code starting at code[i] and returns it with the
// index of the next byte.
func readCode(code []byte, i int) (int, int) {
	b := code[i]
	i++
	n := int(b)
	if b >= 0x80 {
		n &= 0x7F
		shift := 7
		for {
			b = code[i]
			i++
			n |= int(b&0x7F) << shift
			if b < 0x80 {
				break
			}
			shift += 7
		}
	}
	return n, i
}

// Encode writes the bytecode for entries, terminated by CodeStop. An entry
// without a location is encoded as a hole.
func Encode(entries []Entry) []byte {
	var out []byte
	for _, e := range entries {
		out = appendCode(out, e.code())
	}
	return append(out, CodeStop)
}

// StubTail returns what follows the call in a quick-failure stub: the
// bytecode, the little-endian failure index and, in debug builds, the
// trailer byte.
func StubTail(entries []Entry, failIndex int, debug bool) []byte {
	out := Encode(entries)
	out = binary.LittleEndian.AppendUint32(out, uint32(failIndex))
	if debug {
		out = append(out, DebugTrailer)
	}
	return out
}

// Decode parses bytecode back into entries. It returns the entries and the
// number of bytes consumed including the stop code. Holes decode as hole
// entries; Decode allocates and is meant for bridges and diagnostics, not
// for the failure path.
func Decode(code []byte) ([]Entry, int, error) {
	var entries []Entry
	i := 0
	for {
		if i >= len(code) {
			return nil, i, fmt.Errorf("recovery bytecode truncated at byte %d", i)
		}
		var n int
		n, i = readCode(code, i)
		kind := n & 3
		if kind == KindSpecial {
			switch n {
			case CodeStop:
				return entries, i, nil
			case CodeHole:
				entries = append(entries, Entry{Hole: true})
				continue
			}
			return nil, i, fmt.Errorf("invalid recovery code %#x", n)
		}
		loc := n >> 2
		e := Entry{}
		switch kind {
		case KindRef:
			e.Kind = trace.Ref
		case KindInt:
			e.Kind = trace.Int
		case KindFloat:
			e.Kind = trace.Float
		}
		if loc >= FromStack {
			e.Loc = location.OnStack(loc - FromStack)
		} else {
			e.Loc = location.InReg(loc)
		}
		entries = append(entries, e)
	}
}
