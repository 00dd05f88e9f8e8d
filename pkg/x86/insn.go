package x86

// Condition codes, in the encoding used by Jcc and SETcc.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xA
	CondNP Cond = 0xB
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Invert returns the opposite condition.
func (c Cond) Invert() Cond { return c ^ 1 }

// ========== Moves ==========

// MovRegReg: mov dst, src (64-bit)
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rexW(byte(src), byte(dst)), 0x89, modRM(0xC0, byte(src), byte(dst)))
	a.flush()
}

// MovRegReg32: mov dst32, src32 (zero-extends into dst)
func (a *Assembler) MovRegReg32(dst, src Reg) {
	a.emitRexOpt(false, byte(src), byte(dst), false)
	a.emit(0x89, modRM(0xC0, byte(src), byte(dst)))
	a.flush()
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg >= 8), 0xB8+byte(reg&7))
	a.emitUint64(imm)
	a.flush()
}

// MovRegImm loads imm using the shortest encoding. It never touches flags.
func (a *Assembler) MovRegImm(reg Reg, imm int64) {
	switch {
	case imm >= 0 && imm <= 0xFFFFFFFF:
		// mov r32, imm32 zero-extends
		if reg >= 8 {
			a.emit(rex(false, false, false, true))
		}
		a.emit(0xB8 + byte(reg&7))
		a.emitInt32(int32(uint32(imm)))
		a.flush()
	case imm >= -0x80000000 && imm < 0:
		// mov r/m64, imm32 sign-extends
		a.emit(rexW(0, byte(reg)), 0xC7, modRM(0xC0, 0, byte(reg)))
		a.emitInt32(int32(imm))
		a.flush()
	default:
		a.MovRegImm64(reg, uint64(imm))
	}
}

// MovRegMem: mov reg, qword [m]
func (a *Assembler) MovRegMem(reg Reg, m Mem) {
	a.memRex(true, byte(reg), m, false)
	a.emit(0x8B)
	a.emitMemOperand(byte(reg), m)
	a.flush()
}

// MovMemReg: mov qword [m], reg
func (a *Assembler) MovMemReg(m Mem, reg Reg) {
	a.memRex(true, byte(reg), m, false)
	a.emit(0x89)
	a.emitMemOperand(byte(reg), m)
	a.flush()
}

// MovMemImm32: mov qword [m], imm32 (sign-extended)
func (a *Assembler) MovMemImm32(m Mem, imm int32) {
	a.memRex(true, 0, m, false)
	a.emit(0xC7)
	a.emitMemOperand(0, m)
	a.emitInt32(imm)
	a.flush()
}

// Load reads size bytes from m into reg, sign- or zero-extending to 64 bits.
func (a *Assembler) Load(reg Reg, m Mem, size int, signed bool) {
	switch size {
	case 8:
		a.MovRegMem(reg, m)
		return
	case 4:
		if signed {
			// movsxd reg, dword [m]
			a.memRex(true, byte(reg), m, false)
			a.emit(0x63)
		} else {
			// mov reg32, dword [m]
			a.memRex(false, byte(reg), m, false)
			a.emit(0x8B)
		}
	case 2:
		a.memRex(true, byte(reg), m, false)
		if signed {
			a.emit(0x0F, 0xBF)
		} else {
			a.emit(0x0F, 0xB7)
		}
	case 1:
		a.memRex(true, byte(reg), m, false)
		if signed {
			a.emit(0x0F, 0xBE)
		} else {
			a.emit(0x0F, 0xB6)
		}
	default:
		panic("x86: invalid load size")
	}
	a.emitMemOperand(byte(reg), m)
	a.flush()
}

// Store writes the low size bytes of reg to m.
func (a *Assembler) Store(m Mem, reg Reg, size int) {
	switch size {
	case 8:
		a.MovMemReg(m, reg)
		return
	case 4:
		a.memRex(false, byte(reg), m, false)
		a.emit(0x89)
	case 2:
		a.emit(0x66)
		a.memRex(false, byte(reg), m, false)
		a.emit(0x89)
	case 1:
		a.memRex(false, byte(reg), m, reg >= RSP && reg <= RDI)
		a.emit(0x88)
	default:
		panic("x86: invalid store size")
	}
	a.emitMemOperand(byte(reg), m)
	a.flush()
}

// Extend sign- or zero-extends the low size bytes of reg in place.
func (a *Assembler) Extend(reg Reg, size int, signed bool) {
	r := byte(reg)
	switch size {
	case 8:
		return
	case 4:
		if !signed {
			a.MovRegReg32(reg, reg)
			return
		}
		// movsxd reg, reg32
		a.emit(rexW(r, r), 0x63, modRM(0xC0, r, r))
	case 2:
		if signed {
			a.emit(rexW(r, r), 0x0F, 0xBF, modRM(0xC0, r, r))
		} else {
			a.emit(rexW(r, r), 0x0F, 0xB7, modRM(0xC0, r, r))
		}
	case 1:
		if signed {
			a.emit(rexW(r, r), 0x0F, 0xBE, modRM(0xC0, r, r))
		} else {
			a.emit(rexW(r, r), 0x0F, 0xB6, modRM(0xC0, r, r))
		}
	default:
		panic("x86: invalid extend size")
	}
	a.flush()
}

// Lea: lea dst, [m]
func (a *Assembler) Lea(dst Reg, m Mem) {
	a.memRex(true, byte(dst), m, false)
	a.emit(0x8D)
	a.emitMemOperand(byte(dst), m)
	a.flush()
}

// LeaRIP emits lea dst, [rip+disp] into the open group and returns the
// group offset of the displacement, to be fixed with PatchGroupInt32.
func (a *Assembler) LeaRIP(dst Reg, disp int32) int {
	if !a.grouping {
		panic("x86: LeaRIP outside an instruction group")
	}
	a.emit(rexW(byte(dst), 0), 0x8D, modRM(0x00, byte(dst), 5))
	off := len(a.group) + len(a.buf)
	a.emitInt32(disp)
	a.flush()
	return off
}

// ========== Integer arithmetic ==========

// ALU opcode extensions for the 0x81/0x83 immediate group; the reg/reg form
// opcode is ext*8+1.
const (
	aluAdd = 0
	aluOr  = 1
	aluAnd = 4
	aluSub = 5
	aluXor = 6
	aluCmp = 7
)

func (a *Assembler) aluRegReg(ext byte, dst, src Reg) {
	a.emit(rexW(byte(src), byte(dst)), ext<<3|0x01, modRM(0xC0, byte(src), byte(dst)))
	a.flush()
}

func (a *Assembler) aluRegImm(ext byte, reg Reg, imm int32) {
	a.emit(rexW(0, byte(reg)))
	if imm >= -128 && imm <= 127 {
		a.emit(0x83, modRM(0xC0, ext, byte(reg)), byte(int8(imm)))
	} else {
		a.emit(0x81, modRM(0xC0, ext, byte(reg)))
		a.emitInt32(imm)
	}
	a.flush()
}

// AddRegReg: add dst, src
func (a *Assembler) AddRegReg(dst, src Reg) { a.aluRegReg(aluAdd, dst, src) }

// SubRegReg: sub dst, src
func (a *Assembler) SubRegReg(dst, src Reg) { a.aluRegReg(aluSub, dst, src) }

// AndRegReg: and dst, src
func (a *Assembler) AndRegReg(dst, src Reg) { a.aluRegReg(aluAnd, dst, src) }

// OrRegReg: or dst, src
func (a *Assembler) OrRegReg(dst, src Reg) { a.aluRegReg(aluOr, dst, src) }

// XorRegReg: xor dst, src
func (a *Assembler) XorRegReg(dst, src Reg) { a.aluRegReg(aluXor, dst, src) }

// CmpRegReg: cmp a, b
func (a *Assembler) CmpRegReg(x, y Reg) { a.aluRegReg(aluCmp, x, y) }

func (a *Assembler) AddRegImm(reg Reg, imm int32) { a.aluRegImm(aluAdd, reg, imm) }
func (a *Assembler) SubRegImm(reg Reg, imm int32) { a.aluRegImm(aluSub, reg, imm) }
func (a *Assembler) AndRegImm(reg Reg, imm int32) { a.aluRegImm(aluAnd, reg, imm) }
func (a *Assembler) OrRegImm(reg Reg, imm int32)  { a.aluRegImm(aluOr, reg, imm) }
func (a *Assembler) XorRegImm(reg Reg, imm int32) { a.aluRegImm(aluXor, reg, imm) }
func (a *Assembler) CmpRegImm(reg Reg, imm int32) { a.aluRegImm(aluCmp, reg, imm) }

// SubRegImm32 always uses the four-byte immediate form and returns the
// address of the immediate, so the value can be patched later.
func (a *Assembler) SubRegImm32(reg Reg, imm int32) uintptr {
	a.emit(rexW(0, byte(reg)), 0x81, modRM(0xC0, aluSub, byte(reg)))
	a.emitInt32(imm)
	a.flush()
	return a.out.Tell() - 4
}

// IMulRegReg: imul dst, src
func (a *Assembler) IMulRegReg(dst, src Reg) {
	a.emit(rexW(byte(dst), byte(src)), 0x0F, 0xAF, modRM(0xC0, byte(dst), byte(src)))
	a.flush()
}

// Neg: neg reg
func (a *Assembler) Neg(reg Reg) {
	a.emit(rexW(0, byte(reg)), 0xF7, modRM(0xC0, 3, byte(reg)))
	a.flush()
}

// Not: not reg
func (a *Assembler) Not(reg Reg) {
	a.emit(rexW(0, byte(reg)), 0xF7, modRM(0xC0, 2, byte(reg)))
	a.flush()
}

// Cqo sign-extends rax into rdx:rax
func (a *Assembler) Cqo() {
	a.emit(0x48, 0x99)
	a.flush()
}

// IDiv: idiv src (rdx:rax / src -> rax, remainder rdx)
func (a *Assembler) IDiv(src Reg) {
	a.emit(rexW(0, byte(src)), 0xF7, modRM(0xC0, 7, byte(src)))
	a.flush()
}

// shift opcode extensions
const (
	shiftShl = 4
	shiftShr = 5
	shiftSar = 7
)

func (a *Assembler) shiftCL(ext byte, reg Reg) {
	a.emit(rexW(0, byte(reg)), 0xD3, modRM(0xC0, ext, byte(reg)))
	a.flush()
}

func (a *Assembler) shiftImm(ext byte, reg Reg, n uint8) {
	a.emit(rexW(0, byte(reg)), 0xC1, modRM(0xC0, ext, byte(reg)), n)
	a.flush()
}

// ShlCL: shl reg, cl
func (a *Assembler) ShlCL(reg Reg) { a.shiftCL(shiftShl, reg) }

// ShrCL: shr reg, cl
func (a *Assembler) ShrCL(reg Reg) { a.shiftCL(shiftShr, reg) }

// SarCL: sar reg, cl
func (a *Assembler) SarCL(reg Reg) { a.shiftCL(shiftSar, reg) }

func (a *Assembler) ShlImm(reg Reg, n uint8) { a.shiftImm(shiftShl, reg, n) }
func (a *Assembler) ShrImm(reg Reg, n uint8) { a.shiftImm(shiftShr, reg, n) }
func (a *Assembler) SarImm(reg Reg, n uint8) { a.shiftImm(shiftSar, reg, n) }

// TestRegReg: test a, b
func (a *Assembler) TestRegReg(x, y Reg) {
	a.emit(rexW(byte(y), byte(x)), 0x85, modRM(0xC0, byte(y), byte(x)))
	a.flush()
}

// Setcc writes 1 to the low byte of reg if cc holds, else 0.
func (a *Assembler) Setcc(cc Cond, reg Reg) {
	a.emitRexOpt(false, 0, byte(reg), reg >= RSP && reg <= RDI)
	a.emit(0x0F, 0x90+byte(cc), modRM(0xC0, 0, byte(reg)))
	a.flush()
}

// BtcRegImm: btc reg, bit (complements one bit)
func (a *Assembler) BtcRegImm(reg Reg, bit uint8) {
	a.emit(rexW(0, byte(reg)), 0x0F, 0xBA, modRM(0xC0, 7, byte(reg)), bit)
	a.flush()
}

// BtrRegImm: btr reg, bit (clears one bit)
func (a *Assembler) BtrRegImm(reg Reg, bit uint8) {
	a.emit(rexW(0, byte(reg)), 0x0F, 0xBA, modRM(0xC0, 6, byte(reg)), bit)
	a.flush()
}

// ========== Stack and control flow ==========

// Push: push reg
func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 + byte(reg&7))
	a.flush()
}

// Pop: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x58 + byte(reg&7))
	a.flush()
}

// Jcc emits a conditional jump to target and returns the address of its
// rel32 field.
func (a *Assembler) Jcc(cc Cond, target uintptr) uintptr {
	a.emit(0x0F, 0x80+byte(cc), 0, 0, 0, 0)
	return a.flushRel32(target)
}

// Jmp emits jmp rel32 to target and returns the address of its rel32 field.
func (a *Assembler) Jmp(target uintptr) uintptr {
	a.emit(0xE9, 0, 0, 0, 0)
	return a.flushRel32(target)
}

// Call emits call rel32 to target and returns the address of its rel32 field.
func (a *Assembler) Call(target uintptr) uintptr {
	a.emit(0xE8, 0, 0, 0, 0)
	return a.flushRel32(target)
}

// CallReg: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF, modRM(0xC0, 2, byte(reg)))
	a.flush()
}

// JmpReg: jmp reg
func (a *Assembler) JmpReg(reg Reg) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF, modRM(0xC0, 4, byte(reg)))
	a.flush()
}

func (a *Assembler) Ret() {
	a.emit(0xC3)
	a.flush()
}

func (a *Assembler) Int3() {
	a.emit(0xCC)
	a.flush()
}

// Raw emits pre-encoded bytes as one unit.
func (a *Assembler) Raw(p []byte) {
	a.emit(p...)
	a.flush()
}

// ========== SSE2 ==========

// sse emits prefix, optional REX, 0F op and a register ModR/M.
func (a *Assembler) sseRegReg(prefix byte, w bool, op byte, reg, rm byte) {
	if prefix != 0 {
		a.emit(prefix)
	}
	a.emitRexOpt(w, reg, rm, false)
	a.emit(0x0F, op, modRM(0xC0, reg, rm))
	a.flush()
}

func (a *Assembler) sseMem(prefix byte, op byte, reg byte, m Mem) {
	if prefix != 0 {
		a.emit(prefix)
	}
	a.memRex(false, reg, m, false)
	a.emit(0x0F, op)
	a.emitMemOperand(reg, m)
	a.flush()
}

// MovsdRegMem: movsd x, qword [m]
func (a *Assembler) MovsdRegMem(x XMM, m Mem) { a.sseMem(0xF2, 0x10, byte(x), m) }

// MovsdMemReg: movsd qword [m], x
func (a *Assembler) MovsdMemReg(m Mem, x XMM) { a.sseMem(0xF2, 0x11, byte(x), m) }

// MovsdRegReg: movsd dst, src
func (a *Assembler) MovsdRegReg(dst, src XMM) { a.sseRegReg(0xF2, false, 0x10, byte(dst), byte(src)) }

// MovupsMemReg: movups [m], x (all 128 bits)
func (a *Assembler) MovupsMemReg(m Mem, x XMM) { a.sseMem(0, 0x11, byte(x), m) }

// MovupsRegMem: movups x, [m]
func (a *Assembler) MovupsRegMem(x XMM, m Mem) { a.sseMem(0, 0x10, byte(x), m) }

func (a *Assembler) AddsdRegReg(dst, src XMM) { a.sseRegReg(0xF2, false, 0x58, byte(dst), byte(src)) }
func (a *Assembler) MulsdRegReg(dst, src XMM) { a.sseRegReg(0xF2, false, 0x59, byte(dst), byte(src)) }
func (a *Assembler) SubsdRegReg(dst, src XMM) { a.sseRegReg(0xF2, false, 0x5C, byte(dst), byte(src)) }
func (a *Assembler) DivsdRegReg(dst, src XMM) { a.sseRegReg(0xF2, false, 0x5E, byte(dst), byte(src)) }

// Ucomisd compares x with y, setting ZF, PF and CF; PF marks unordered.
func (a *Assembler) Ucomisd(x, y XMM) { a.sseRegReg(0x66, false, 0x2E, byte(x), byte(y)) }

// Cvtsi2sd: cvtsi2sd dst, src (64-bit integer to double)
func (a *Assembler) Cvtsi2sd(dst XMM, src Reg) {
	a.sseRegReg(0xF2, true, 0x2A, byte(dst), byte(src))
}

// Cvttsd2si: cvttsd2si dst, src (truncating double to 64-bit integer)
func (a *Assembler) Cvttsd2si(dst Reg, src XMM) {
	a.sseRegReg(0xF2, true, 0x2C, byte(dst), byte(src))
}

// MovqXmmReg: movq dst, src (raw 64 bits GPR to XMM)
func (a *Assembler) MovqXmmReg(dst XMM, src Reg) {
	a.sseRegReg(0x66, true, 0x6E, byte(dst), byte(src))
}

// MovqRegXmm: movq dst, src (raw 64 bits XMM to GPR)
func (a *Assembler) MovqRegXmm(dst Reg, src XMM) {
	a.sseRegReg(0x66, true, 0x7E, byte(src), byte(dst))
}
