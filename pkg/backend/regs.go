package backend

import (
	"github.com/ascrivener/tracejit/pkg/recovery"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// Register assignment
//
// Location register numbers are hardware encodings: GPR numbers for int and
// ref values, XMM numbers for floats.
//
// Allocatable:
//   RBX, R12-R15  callee-saved, survive calls
//   RSI, RDI, R8-R10  caller-saved, saved to the frame around calls
//   XMM0-XMM13
//
// Reserved:
//   RBP = frame base
//   RAX, RCX, RDX, R11 = scratch registers
//   XMM14, XMM15 = float scratch
var allocatableGPRs = []x86.Reg{
	x86.RBX, x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R10,
	x86.R12, x86.R13, x86.R14, x86.R15,
}

const numAllocatableXMMs = 14

const (
	ScratchReg1 = x86.RAX
	ScratchReg2 = x86.RCX
	ScratchReg3 = x86.RDX
	ScratchReg4 = x86.R11

	FloatScratch1 = x86.XMM(14)
	FloatScratch2 = x86.XMM(15)

	FrameReg = x86.RBP
)

// calleeSaved is the push order of every bootstrap; the failure entry pops
// in reverse.
var calleeSaved = []x86.Reg{x86.RBP, x86.RBX, x86.R12, x86.R13, x86.R14, x86.R15}

// System V argument registers
var intArgRegs = []x86.Reg{x86.RDI, x86.RSI, x86.RDX, x86.RCX, x86.R8, x86.R9}

const numFloatArgRegs = 8

// AllocatableGPRs returns the register numbers an allocator may hand to int
// and ref values, in preference order.
func AllocatableGPRs() []int {
	out := make([]int, len(allocatableGPRs))
	for i, r := range allocatableGPRs {
		out[i] = int(r)
	}
	return out
}

// AllocatableXMMs returns the register numbers an allocator may hand to
// float values.
func AllocatableXMMs() []int {
	out := make([]int, numAllocatableXMMs)
	for i := range out {
		out[i] = i
	}
	return out
}

func isAllocatableGPR(n int) bool {
	for _, r := range allocatableGPRs {
		if int(r) == n {
			return true
		}
	}
	return false
}

func isCallerSaved(r x86.Reg) bool {
	switch r {
	case x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R10:
		return true
	}
	return false
}

func frameMem(slot int) x86.Mem {
	return x86.At(FrameReg, recovery.Offset(slot))
}

func stackMem(pos int) x86.Mem {
	return frameMem(recovery.StackSlot(pos))
}
