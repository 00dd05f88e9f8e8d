//go:build linux && amd64

package backend

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ascrivener/tracejit/pkg/backend/asm"
	"github.com/ascrivener/tracejit/pkg/recovery"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// nativeStack is the machine stack generated code runs on. Go stacks move
// and are too small to lend to foreign code.
type nativeStack struct {
	mem []byte
}

func (s *nativeStack) top(size int) (uintptr, error) {
	if s.mem == nil {
		mem, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_STACK)
		if err != nil {
			return 0, fmt.Errorf("failed to mmap native stack: %w", err)
		}
		s.mem = mem
	}
	end := uintptr(unsafe.Pointer(&s.mem[0])) + uintptr(len(s.mem))
	return end &^ 15, nil
}

func (s *nativeStack) free() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Execute runs tok until a guard fails or a finish is reached, and returns
// that guard. inputs are the raw bits of the token's inputs in order; nil
// runs with whatever the failure boxes hold, which is how the driver
// resumes after filling them itself. On return the failure boxes hold the
// guard's live values.
func (b *Backend) Execute(tok *LoopToken, inputs []uint64) (*GuardDescr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if inputs != nil {
		if len(inputs) != len(tok.InputKinds) {
			return nil, fmt.Errorf("%s takes %d inputs, got %d", tok.Name, len(tok.InputKinds), len(inputs))
		}
		for i, bits := range inputs {
			b.boxArray(tok.InputKinds[i]).Set(i, bits)
		}
	}
	top, err := b.stack.top(b.cfg.StackSize)
	if err != nil {
		return nil, err
	}

	size := recovery.FrameSize(tok.family.frameDepth)
	if cap(b.frame) < size {
		b.frame = make([]uint64, size)
	}
	b.frame = b.frame[:size]
	clear(b.frame)

	ret := asm.CallLoop(tok.Entry, uintptr(unsafe.Pointer(&b.frame[0])), top)
	runtime.KeepAlive(b.frame)

	code, err := b.mc2.Tail(ret)
	if err != nil {
		return nil, fmt.Errorf("generated code returned %#x outside the stub buffer: %w", ret, err)
	}
	index := recovery.Recover(code, b.frame, b.boxes, b.cfg.Debug)
	g, err := b.guard(index)
	if err != nil {
		return nil, err
	}
	g.writeConstants(b.boxes)
	g.Failures++

	b.log.Debug().
		Str("loop", tok.Name).
		Int("guard", index).
		Str("opcode", g.Opcode.String()).
		Bool("finish", g.Opcode == trace.Finish).
		Msg("left generated code")
	return g, nil
}
