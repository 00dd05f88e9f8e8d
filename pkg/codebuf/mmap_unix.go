//go:build linux

package codebuf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapMapper maps anonymous memory with execute permission.
type MmapMapper struct{}

func (MmapMapper) Map(size int, hint uintptr) ([]byte, error) {
	ptr, err := unix.MmapPtr(
		-1, 0,
		unsafe.Pointer(hint),
		uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap executable memory: %w", err)
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func (MmapMapper) Protect(mem []byte, prot Prot) error {
	flags := unix.PROT_READ | unix.PROT_EXEC
	if prot == ProtRWX {
		flags |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(mem, flags); err != nil {
		return fmt.Errorf("failed to mprotect code region to %s: %w", prot, err)
	}
	return nil
}

func (MmapMapper) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.MunmapPtr(unsafe.Pointer(&mem[0]), uintptr(len(mem)))
}

// DefaultMapper returns the mapper for executable code on this platform.
func DefaultMapper() Mapper {
	return MmapMapper{}
}
