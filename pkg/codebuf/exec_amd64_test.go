//go:build linux && amd64

package codebuf

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/tracejit/pkg/backend/asm"
)

// Code that crosses a region boundary runs exactly like code emitted into a
// single region.
func TestChainedCodeExecutes(t *testing.T) {
	run := func(chunk int) (uintptr, Stats) {
		b, err := New(Options{ChunkSize: chunk, SafetyMargin: 64, Mapper: MmapMapper{}})
		require.NoError(t, err)
		defer b.Free()

		entry := b.Tell()
		b.Emit([]byte{0x31, 0xC0}) // xor eax, eax
		for i := 0; i < 1500; i++ {
			b.Emit([]byte{0x48, 0x83, 0xC0, 0x03}) // add rax, 3
		}
		b.Emit([]byte{0xC3}) // ret
		require.NoError(t, b.Err())

		stack := make([]uint64, 512)
		top := uintptr(unsafe.Pointer(&stack[len(stack)-2])) &^ 15
		return asm.CallLoop(entry, 0, top), b.Stats()
	}

	single, s1 := run(1 << 16)
	chained, s2 := run(4096)
	require.Equal(t, 0, s1.Chains)
	require.Equal(t, 1, s2.Chains)
	require.Equal(t, uintptr(4500), single)
	require.Equal(t, single, chained)
}
