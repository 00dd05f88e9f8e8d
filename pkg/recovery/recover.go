package recovery

import "encoding/binary"

// Recover walks the bytecode of a failed guard, copying each live value from
// the register dump or spill area of frame into boxes, and returns the
// failure index stored after the bytecode. It does not allocate. Bytecode
// that correctly compiled code cannot produce makes it panic.
func Recover(code []byte, frame []uint64, boxes *FailBoxes, debug bool) int {
	num := 0
	i := 0
	for {
		var n int
		n, i = readCode(code, i)
		kind := n & 3
		if kind == KindSpecial {
			if n == CodeStop {
				break
			}
			if n == CodeHole {
				num++
				continue
			}
			panic("recovery: invalid special code")
		}
		loc := n >> 2
		var slot int
		switch {
		case loc >= FromStack:
			slot = StackSlot(loc - FromStack)
		case kind == KindFloat:
			slot = XMMSlot(loc)
		default:
			slot = GPRSlot(loc)
		}
		boxes.ForKind(kind).Set(num, frame[slot])
		num++
	}
	index := binary.LittleEndian.Uint32(code[i:])
	if debug && code[i+4] != DebugTrailer {
		panic("recovery: missing debug trailer after failure index")
	}
	return int(index)
}
