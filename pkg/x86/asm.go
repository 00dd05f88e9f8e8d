// Package x86 encodes x86-64 instructions. Each instruction is assembled in
// a small pending buffer and handed to the Sink in one piece, so a code
// buffer that chains regions never splits an instruction.
package x86

import (
	"encoding/binary"
	"fmt"
)

// x86-64 register encoding
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

var regNames = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string {
	if r < 16 {
		return regNames[r]
	}
	return fmt.Sprintf("Reg(%d)", byte(r))
}

// XMM register encoding
type XMM byte

func (x XMM) String() string { return fmt.Sprintf("xmm%d", byte(x)) }

// Sink receives finished instructions.
type Sink interface {
	Emit(p []byte)
	// EmitRel32 emits p whose last four bytes are a displacement to target
	// and returns the address of that field.
	EmitRel32(p []byte, target uintptr) uintptr
	Tell() uintptr
}

// Assembler emits x86-64 machine code
type Assembler struct {
	out Sink
	buf []byte

	grouping bool
	group    []byte
}

// NewAssembler creates an assembler writing to out
func NewAssembler(out Sink) *Assembler {
	return &Assembler{out: out, buf: make([]byte, 0, 16)}
}

// Tell returns the address of the next instruction.
func (a *Assembler) Tell() uintptr {
	if a.grouping {
		panic("x86: Tell inside an instruction group")
	}
	return a.out.Tell()
}

// emit appends bytes to the pending instruction
func (a *Assembler) emit(bytes ...byte) {
	a.buf = append(a.buf, bytes...)
}

func (a *Assembler) emitInt32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

func (a *Assembler) emitUint64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// flush hands the pending instruction to the sink, or to the open group.
func (a *Assembler) flush() {
	if a.grouping {
		a.group = append(a.group, a.buf...)
	} else {
		a.out.Emit(a.buf)
	}
	a.buf = a.buf[:0]
}

func (a *Assembler) flushRel32(target uintptr) uintptr {
	if a.grouping {
		panic("x86: relative branch inside an instruction group")
	}
	field := a.out.EmitRel32(a.buf, target)
	a.buf = a.buf[:0]
	return field
}

// BeginGroup starts collecting instructions that must stay contiguous, for
// sequences that address each other RIP-relatively.
func (a *Assembler) BeginGroup() {
	a.grouping = true
	a.group = a.group[:0]
}

// GroupLen returns the bytes collected so far in the open group.
func (a *Assembler) GroupLen() int { return len(a.group) }

// PatchGroupInt32 overwrites four bytes at offset off of the open group.
func (a *Assembler) PatchGroupInt32(off int, v int32) {
	binary.LittleEndian.PutUint32(a.group[off:], uint32(v))
}

// EndGroup emits the collected instructions in one piece.
func (a *Assembler) EndGroup() {
	a.grouping = false
	a.out.Emit(a.group)
	a.group = a.group[:0]
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// rexW returns REX.W prefix for 64-bit operations
func rexW(reg, rm byte) byte {
	return rex(true, reg >= 8, false, rm >= 8)
}

// emitRexOpt emits a REX prefix only when one of its bits is needed, or
// when force is set (byte registers SPL..DIL).
func (a *Assembler) emitRexOpt(w bool, reg, rm byte, force bool) {
	if w || reg >= 8 || rm >= 8 || force {
		a.emit(rex(w, reg >= 8, false, rm >= 8))
	}
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm byte) byte {
	return mod | ((reg & 7) << 3) | (rm & 7)
}

// Mem is a memory operand [Base + Index*Scale + Disp]. Scale 0 means no
// index register.
type Mem struct {
	Base  Reg
	Index Reg
	Scale byte
	Disp  int32
}

// At returns the operand [base + disp].
func At(base Reg, disp int32) Mem {
	return Mem{Base: base, Disp: disp}
}

// Indexed returns the operand [base + index*scale + disp].
func Indexed(base, index Reg, scale byte, disp int32) Mem {
	if index == RSP {
		panic("x86: rsp cannot be an index register")
	}
	switch scale {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("x86: invalid scale %d", scale))
	}
	return Mem{Base: base, Index: index, Scale: scale, Disp: disp}
}

func (m Mem) String() string {
	s := "[" + m.Base.String()
	if m.Scale != 0 {
		s += fmt.Sprintf("+%s*%d", m.Index, m.Scale)
	}
	if m.Disp != 0 {
		s += fmt.Sprintf("%+d", m.Disp)
	}
	return s + "]"
}

func scaleBits(s byte) byte {
	switch s {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// memRex emits the REX prefix for a memory form, if needed.
func (a *Assembler) memRex(w bool, reg byte, m Mem, force bool) {
	x := m.Scale != 0 && m.Index >= 8
	b := m.Base >= 8
	if w || reg >= 8 || x || b || force {
		a.emit(rex(w, reg >= 8, x, b))
	}
}

// emitMemOperand emits ModR/M, SIB and displacement for m. RSP and R12 as
// base need a SIB byte; RBP and R13 always need a displacement.
func (a *Assembler) emitMemOperand(reg byte, m Mem) {
	base := byte(m.Base)
	var mod byte
	switch {
	case m.Disp == 0 && base&7 != 5:
		mod = 0x00
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 0x40
	default:
		mod = 0x80
	}
	if m.Scale != 0 || base&7 == 4 {
		index := byte(4) // none
		if m.Scale != 0 {
			index = byte(m.Index) & 7
		}
		a.emit(modRM(mod, reg, 4), scaleBits(m.Scale)<<6|index<<3|base&7)
	} else {
		a.emit(modRM(mod, reg, base))
	}
	switch mod {
	case 0x40:
		a.emit(byte(int8(m.Disp)))
	case 0x80:
		a.emitInt32(m.Disp)
	}
}
