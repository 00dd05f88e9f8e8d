//go:build linux && amd64

// Package asm provides the Go assembly entry into generated code.
// It is kept apart so the rest of the backend stays plain Go.
package asm

// CallLoop switches to the native stack whose top is stack, calls the
// generated code at entry with frame in RDI (System V ABI) and returns the
// value left in RAX. Generated code must preserve RBX, RBP and R12-R15.
func CallLoop(entry, frame, stack uintptr) uintptr
