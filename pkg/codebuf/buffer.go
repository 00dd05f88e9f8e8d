// Package codebuf provides the append-only executable memory that generated
// code is written into. A Buffer is a chain of fixed-size regions: when the
// current region runs low, emission continues in a fresh one reached through
// an unconditional jump, and the old region is sealed but kept mapped.
package codebuf

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/tidwall/btree"

	"github.com/ascrivener/tracejit/pkg/errors"
)

const (
	DefaultChunkSize    = 1 << 20
	DefaultSafetyMargin = 64

	// jmpRel32Size is the size of the chaining jump.
	jmpRel32Size = 5
)

type Options struct {
	ChunkSize int
	// SafetyMargin is the free space every region keeps after an emit; it
	// must hold the chaining jump.
	SafetyMargin int
	Mapper       Mapper
	// Near is where the first region should preferably be mapped, so a
	// second buffer can stay in rel32 range of the first.
	Near uintptr
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Region is one mapped chunk with its write cursor.
type Region struct {
	mem    []byte
	base   uintptr
	pos    int
	sealed bool
}

func (r *Region) Base() uintptr { return r.base }
func (r *Region) Used() int     { return r.pos }
func (r *Region) Sealed() bool  { return r.sealed }

// Bytes returns the emitted part of the region.
func (r *Region) Bytes() []byte { return r.mem[:r.pos] }

func addrOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

func (r *Region) free() int { return len(r.mem) - r.pos }

func (r *Region) contains(addr uintptr, n int) bool {
	return addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.mem))
}

// Buffer is not safe for concurrent use; the assembler owning it serializes
// access.
type Buffer struct {
	opts    Options
	log     zerolog.Logger
	cur     *Region
	regions btree.Map[uintptr, *Region]
	chains  int
	err     error
}

// New maps the first region.
func New(opts Options) (*Buffer, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.SafetyMargin < jmpRel32Size {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.SafetyMargin >= opts.ChunkSize {
		return nil, fmt.Errorf("safety margin %d does not fit in chunk size %d", opts.SafetyMargin, opts.ChunkSize)
	}
	if opts.Mapper == nil {
		opts.Mapper = DefaultMapper()
	}
	b := &Buffer{opts: opts, log: zerolog.Nop()}
	if opts.Logger != nil {
		b.log = *opts.Logger
	}
	r, err := b.newRegion(opts.Near)
	if err != nil {
		return nil, err
	}
	b.cur = r
	return b, nil
}

func (b *Buffer) newRegion(hint uintptr) (*Region, error) {
	mem, err := b.opts.Mapper.Map(b.opts.ChunkSize, hint)
	if err != nil {
		return nil, errors.Wrap(err, "new code region")
	}
	r := &Region{mem: mem, base: addrOf(mem)}
	b.regions.Set(r.base, r)
	b.log.Debug().
		Str("base", fmt.Sprintf("%#x", r.base)).
		Int("size", len(mem)).
		Int("regions", b.regions.Len()).
		Msg("mapped code region")
	return r, nil
}

// Err returns the first error hit while emitting. Emission stops after it.
func (b *Buffer) Err() error {
	return b.err
}

// Tell returns the address the next byte will be written to, unless the
// next emit chains into a new region; a jump placed at the old address
// reaches the new one either way.
func (b *Buffer) Tell() uintptr {
	return b.cur.base + uintptr(b.cur.pos)
}

// ensure makes room for an instruction of n bytes.
func (b *Buffer) ensure(n int) bool {
	if b.err != nil {
		return false
	}
	if n > b.opts.ChunkSize-b.opts.SafetyMargin {
		b.err = errors.Wrap(fmt.Errorf("%d bytes exceed chunk capacity", n), "emit")
		return false
	}
	if b.cur.sealed {
		r, err := b.newRegion(b.cur.base + uintptr(len(b.cur.mem)))
		if err != nil {
			b.err = err
			return false
		}
		b.cur = r
		return true
	}
	if b.cur.free()-n < b.opts.SafetyMargin {
		return b.chain()
	}
	return true
}

// chain continues emission in a new region, jumping to it from the old one.
func (b *Buffer) chain() bool {
	old := b.cur
	r, err := b.newRegion(old.base + uintptr(len(old.mem)))
	if err != nil {
		b.err = err
		return false
	}
	at := old.base + uintptr(old.pos)
	rel, ok := rel32(at+jmpRel32Size, r.base)
	if !ok {
		b.err = errors.Wrap(fmt.Errorf("region %#x out of rel32 range of %#x", r.base, at), "chain")
		return false
	}
	old.mem[old.pos] = 0xE9
	binary.LittleEndian.PutUint32(old.mem[old.pos+1:], uint32(rel))
	old.pos += jmpRel32Size
	if err := b.seal(old); err != nil {
		b.err = err
		return false
	}
	b.cur = r
	b.chains++
	b.log.Debug().
		Str("from", fmt.Sprintf("%#x", at)).
		Str("to", fmt.Sprintf("%#x", r.base)).
		Msg("chained code region")
	return true
}

// Emit appends one instruction. The bytes are never split across regions.
func (b *Buffer) Emit(p []byte) {
	if !b.ensure(len(p)) {
		return
	}
	copy(b.cur.mem[b.cur.pos:], p)
	b.cur.pos += len(p)
}

// EmitRel32 appends an instruction whose last four bytes are a displacement
// to target, computed once the instruction's final address is known. It
// returns the address of the displacement field.
func (b *Buffer) EmitRel32(p []byte, target uintptr) uintptr {
	if len(p) < 4 || !b.ensure(len(p)) {
		return 0
	}
	field := b.Tell() + uintptr(len(p)-4)
	rel, ok := rel32(field+4, target)
	if !ok {
		b.err = errors.Wrap(fmt.Errorf("target %#x out of rel32 range of %#x", target, field), "emit")
		return 0
	}
	copy(b.cur.mem[b.cur.pos:], p[:len(p)-4])
	binary.LittleEndian.PutUint32(b.cur.mem[b.cur.pos+len(p)-4:], uint32(rel))
	b.cur.pos += len(p)
	return field
}

// Align pads with int3 until the next address is a multiple of n.
func (b *Buffer) Align(n int) {
	pad := int((uintptr(n) - b.Tell()%uintptr(n)) % uintptr(n))
	if pad == 0 {
		return
	}
	fill := make([]byte, pad)
	for i := range fill {
		fill[i] = 0xCC
	}
	b.Emit(fill)
}

func rel32(from, to uintptr) (int32, bool) {
	d := int64(to) - int64(from)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

func (b *Buffer) seal(r *Region) error {
	if r.sealed {
		return nil
	}
	if err := b.opts.Mapper.Protect(r.mem, ProtRX); err != nil {
		return errors.Wrap(err, "seal code region")
	}
	r.sealed = true
	return nil
}

// Seal finalizes the current region: it becomes read-only and executable,
// and the next emit starts a fresh region without a jump from this one.
func (b *Buffer) Seal() error {
	if err := b.seal(b.cur); err != nil {
		return err
	}
	return b.err
}

func (b *Buffer) regionAt(addr uintptr, n int) (*Region, error) {
	var found *Region
	b.regions.Descend(addr, func(base uintptr, r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.contains(addr, n) {
		return nil, fmt.Errorf("address %#x is not in any code region", addr)
	}
	return found, nil
}

// PatchInt32 overwrites four bytes at addr, which may lie in a sealed
// region. The caller must ensure no thread executes the patched code
// concurrently.
func (b *Buffer) PatchInt32(addr uintptr, v int32) error {
	r, err := b.regionAt(addr, 4)
	if err != nil {
		return errors.Wrap(err, "patch")
	}
	if r.sealed {
		if err := b.opts.Mapper.Protect(r.mem, ProtRWX); err != nil {
			return errors.Wrap(err, "patch")
		}
	}
	off := int(addr - r.base)
	binary.LittleEndian.PutUint32(r.mem[off:], uint32(v))
	if r.sealed {
		if err := b.opts.Mapper.Protect(r.mem, ProtRX); err != nil {
			return errors.Wrap(err, "patch")
		}
	}
	return nil
}

// PatchRel32 rewrites the displacement field at addr to reach target from
// the end of the field.
func (b *Buffer) PatchRel32(addr, target uintptr) error {
	rel, ok := rel32(addr+4, target)
	if !ok {
		return errors.Wrap(fmt.Errorf("target %#x out of rel32 range of %#x", target, addr), "patch")
	}
	return b.PatchInt32(addr, rel)
}

// Tail returns the emitted bytes from addr to the end of its region.
func (b *Buffer) Tail(addr uintptr) ([]byte, error) {
	r, err := b.regionAt(addr, 1)
	if err != nil {
		return nil, err
	}
	off := int(addr - r.base)
	if off >= r.pos {
		return nil, fmt.Errorf("address %#x is past the emitted code", addr)
	}
	return r.mem[off:r.pos], nil
}

// Regions returns all regions in address order.
func (b *Buffer) Regions() []*Region {
	out := make([]*Region, 0, b.regions.Len())
	b.regions.Scan(func(_ uintptr, r *Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

type Stats struct {
	Regions  int
	Chains   int
	Used     int
	Capacity int
}

func (b *Buffer) Stats() Stats {
	s := Stats{Regions: b.regions.Len(), Chains: b.chains}
	b.regions.Scan(func(_ uintptr, r *Region) bool {
		s.Used += r.pos
		s.Capacity += len(r.mem)
		return true
	})
	return s
}

// Free unmaps every region. Code in the buffer must not run afterwards.
func (b *Buffer) Free() error {
	var firstErr error
	b.regions.Scan(func(_ uintptr, r *Region) bool {
		if err := b.opts.Mapper.Unmap(r.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	b.regions = btree.Map[uintptr, *Region]{}
	b.cur = &Region{sealed: true}
	b.err = fmt.Errorf("code buffer freed")
	return firstErr
}
