// Package backend lowers optimized traces to x86-64 code. Every loop and
// bridge gets a bootstrap that reads its inputs from the failure boxes;
// guards branch to stubs in a second code buffer that return the recovery
// bytecode of the failing guard to the Go side.
package backend

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ascrivener/tracejit/pkg/codebuf"
	"github.com/ascrivener/tracejit/pkg/config"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/location"
	"github.com/ascrivener/tracejit/pkg/recovery"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/ascrivener/tracejit/pkg/x86"
)

// Malloc holds the addresses of the native allocation routines that new
// and new_array call. Both return the new object in RAX and may collect.
type Malloc struct {
	// Fixed is called as fixed(size).
	Fixed uintptr
	// Array is called as array(baseSize, itemSize, lengthOffset, length).
	Array uintptr
}

type Option func(*Backend)

func WithLogger(l *zerolog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = *l
		}
	}
}

func WithMalloc(m Malloc) Option {
	return func(b *Backend) {
		b.malloc = m
	}
}

// WithMapper replaces the platform mapper, e.g. with codebuf.HeapMapper for
// tests that only inspect code.
func WithMapper(m codebuf.Mapper) Option {
	return func(b *Backend) {
		b.mapper = m
	}
}

// Backend owns the code buffers, the guard arena and the failure boxes
// shared by every loop and bridge it compiles.
type Backend struct {
	mu     sync.Mutex
	cfg    config.Config
	log    zerolog.Logger
	mapper codebuf.Mapper
	malloc Malloc

	mc    *codebuf.Buffer
	mc2   *codebuf.Buffer
	asm   *x86.Assembler
	stubs *x86.Assembler

	failureEntry uintptr
	boxes        *recovery.FailBoxes
	guards       []*GuardDescr
	loops        map[*trace.TargetToken]*LoopToken
	roots        RootMap

	frame []uint64
	stack nativeStack

	stats Stats
}

type Stats struct {
	Loops   int
	Bridges int
	Guards  int
	Code    codebuf.Stats
	Stubs   codebuf.Stats
}

// New maps the code buffers and emits the shared failure entry.
func New(cfg config.Config, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{
		cfg:   cfg,
		log:   zerolog.Nop(),
		loops: make(map[*trace.TargetToken]*LoopToken),
	}
	for _, opt := range opts {
		opt(b)
	}

	mc, err := codebuf.New(codebuf.Options{
		ChunkSize:    cfg.ChunkSize,
		SafetyMargin: cfg.SafetyMargin,
		Mapper:       b.mapper,
		Logger:       &b.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create code buffer: %w", err)
	}
	var near uintptr
	if base := mc.Regions()[0].Base(); base > uintptr(cfg.ChunkSize) {
		near = base - uintptr(cfg.ChunkSize)
	}
	mc2, err := codebuf.New(codebuf.Options{
		ChunkSize:    cfg.ChunkSize,
		SafetyMargin: cfg.SafetyMargin,
		Mapper:       b.mapper,
		Near:         near,
		Logger:       &b.log,
	})
	if err != nil {
		mc.Free()
		return nil, fmt.Errorf("failed to create stub buffer: %w", err)
	}
	b.mc, b.mc2 = mc, mc2
	b.asm = x86.NewAssembler(mc)
	b.stubs = x86.NewAssembler(mc2)
	b.boxes = recovery.NewFailBoxes(cfg.FailboxChunk)

	b.failureEntry = b.emitFailureEntry()
	if err := mc2.Err(); err != nil {
		b.Free()
		return nil, err
	}
	return b, nil
}

// emitFailureEntry generates the routine every guard stub calls. On entry
// the top of the stack is the stub's return address, which is where the
// recovery bytecode starts. It dumps all registers into the frame, unwinds
// to the bootstrap's stack pointer and returns the bytecode address to the
// Go trampoline.
func (b *Backend) emitFailureEntry() uintptr {
	s := b.stubs
	entry := s.Tell()
	for r := x86.RAX; r <= x86.R15; r++ {
		if r == x86.RSP || r == FrameReg {
			continue
		}
		s.MovMemReg(frameMem(recovery.GPRSlot(int(r))), r)
	}
	for x := 0; x < 16; x++ {
		s.MovupsMemReg(frameMem(recovery.XMMSlot(x)), x86.XMM(x))
	}
	s.Pop(ScratchReg4)
	s.MovMemReg(frameMem(recovery.SlotBytecode), ScratchReg4)
	s.MovRegMem(x86.RSP, frameMem(recovery.SlotSavedSP))
	s.MovRegReg(x86.RAX, ScratchReg4)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		s.Pop(calleeSaved[i])
	}
	s.Ret()
	return entry
}

// FailBoxes returns the arrays guards fail into and bootstraps read from.
func (b *Backend) FailBoxes() *recovery.FailBoxes {
	return b.boxes
}

// Guard returns the descriptor for a failure index.
func (b *Backend) Guard(index int) (*GuardDescr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.guard(index)
}

func (b *Backend) guard(index int) (*GuardDescr, error) {
	if index < 0 || index >= len(b.guards) {
		return nil, fmt.Errorf("no guard with failure index %d", index)
	}
	return b.guards[index], nil
}

// Loop returns the compiled loop registered under a target token.
func (b *Backend) Loop(tok *trace.TargetToken) (*LoopToken, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.loops[tok]
	return l, ok
}

// RootMap returns the call-site root maps of all compiled code.
func (b *Backend) RootMap() *RootMap {
	return &b.roots
}

// Frame returns the frame of the most recent execution.
func (b *Backend) Frame() []uint64 {
	return b.frame
}

func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Guards = len(b.guards)
	s.Code = b.mc.Stats()
	s.Stubs = b.mc2.Stats()
	return s
}

// Seal finalizes the open code regions. Compiling more code continues in
// fresh regions; bridges can still be attached to sealed code.
func (b *Backend) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.mc.Seal(); err != nil {
		return err
	}
	return b.mc2.Seal()
}

// Free releases all code and the native stack. Tokens and guards become
// invalid.
func (b *Backend) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, free := range []func() error{b.mc.Free, b.mc2.Free, b.stack.free} {
		if err := free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BridgeAssignment builds an assignment for a bridge from guard index: the
// inputs take the locations the guard recorded and every other box gets a
// fresh stack position past them.
func (b *Backend) BridgeAssignment(index int, t *trace.Trace) (location.Assignment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.guard(index)
	if err != nil {
		return nil, err
	}
	if len(t.Inputs) != len(g.FailArgs) {
		return nil, errors.InvalidTracef("bridge", "%d inputs for guard %d with %d live values", len(t.Inputs), index, len(g.FailArgs))
	}
	a := make(location.Assignment)
	for i, in := range t.Inputs {
		if l := g.Locations[i]; !l.IsNone() {
			a[in] = l
		}
	}
	a.Extend(t)
	return a, nil
}
