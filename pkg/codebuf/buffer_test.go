package codebuf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeapBuffer(t *testing.T, chunk, margin int) *Buffer {
	t.Helper()
	b, err := New(Options{ChunkSize: chunk, SafetyMargin: margin, Mapper: HeapMapper{}})
	require.NoError(t, err)
	return b
}

// Emitting past one region's capacity inserts exactly one jump, placed at
// the end of the first region and landing on the start of the second.
func TestChainingInsertsOneJump(t *testing.T) {
	b := newHeapBuffer(t, 128, 16)
	insn := bytes.Repeat([]byte{0x90}, 10)
	for i := 0; i < 20; i++ {
		b.Emit(insn)
	}
	require.NoError(t, b.Err())

	regions := b.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, 1, b.Stats().Chains)

	// the first region is ordered by address, so find the one that chains
	first, second := regions[0], regions[1]
	if !first.Sealed() {
		first, second = second, first
	}
	code := first.Bytes()
	require.Equal(t, 11*10+5, len(code))
	jmp := code[110:]
	assert.Equal(t, byte(0xE9), jmp[0])
	rel := int32(binary.LittleEndian.Uint32(jmp[1:]))
	from := first.Base() + 115
	assert.Equal(t, second.Base(), uintptr(int64(from)+int64(rel)))

	assert.Equal(t, 9*10, second.Used())
	assert.False(t, second.Sealed())
	assert.Equal(t, 200+5, b.Stats().Used)
}

// A single emit is never split across regions.
func TestEmitIsAtomic(t *testing.T) {
	b := newHeapBuffer(t, 64, 8)
	b.Emit(bytes.Repeat([]byte{0x90}, 40))
	start := b.Tell()
	b.Emit(bytes.Repeat([]byte{0xAA}, 20))
	require.NoError(t, b.Err())
	assert.NotEqual(t, start, b.Tell()-20, "second instruction should have moved to a new region")
	tail, err := b.Tail(b.Tell() - 20)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 20), tail)
}

func TestEmitTooLarge(t *testing.T) {
	b := newHeapBuffer(t, 64, 8)
	b.Emit(make([]byte, 57))
	assert.Error(t, b.Err())
	// sticky: nothing else is written
	before := b.Stats().Used
	b.Emit([]byte{0x90})
	assert.Equal(t, before, b.Stats().Used)
}

func TestEmitRel32AndPatch(t *testing.T) {
	b := newHeapBuffer(t, 256, 16)
	target := b.Tell()
	b.Emit([]byte{0x90, 0x90})
	field := b.EmitRel32([]byte{0x0F, 0x84, 0, 0, 0, 0}, target)
	require.NoError(t, b.Err())
	assert.Equal(t, target+4, field)
	code := b.Regions()[0].Bytes()
	assert.Equal(t, int32(-8), int32(binary.LittleEndian.Uint32(code[4:])))

	require.NoError(t, b.Seal())
	newTarget := b.Tell() // still inside the sealed region's address range
	require.NoError(t, b.PatchRel32(field, newTarget))
	assert.Equal(t, int32(newTarget-(field+4)), int32(binary.LittleEndian.Uint32(code[4:])))

	assert.Error(t, b.PatchInt32(0x10, 1), "address outside every region")
}

// After Seal the next emit opens a new region without a jump.
func TestSealStartsFreshRegion(t *testing.T) {
	b := newHeapBuffer(t, 128, 16)
	b.Emit([]byte{0xC3})
	require.NoError(t, b.Seal())
	b.Emit([]byte{0xC3})
	require.NoError(t, b.Err())
	assert.Equal(t, 2, b.Stats().Regions)
	assert.Equal(t, 0, b.Stats().Chains)
	assert.Equal(t, 2, b.Stats().Used)
}

func TestAlign(t *testing.T) {
	b := newHeapBuffer(t, 256, 16)
	b.Emit([]byte{0x90, 0x90, 0x90})
	b.Align(16)
	assert.Zero(t, b.Tell()%16)
	b.Align(16)
	require.NoError(t, b.Err())
}

func TestFree(t *testing.T) {
	b := newHeapBuffer(t, 128, 16)
	b.Emit([]byte{0x90})
	require.NoError(t, b.Free())
	b.Emit([]byte{0x90})
	assert.Error(t, b.Err())
	assert.Zero(t, b.Stats().Regions)
}

func TestOptionsValidation(t *testing.T) {
	_, err := New(Options{ChunkSize: 32, SafetyMargin: 64, Mapper: HeapMapper{}})
	assert.Error(t, err)
}
