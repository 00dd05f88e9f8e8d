//go:build !linux

package codebuf

// DefaultMapper returns a heap mapper: emitted code can be inspected but not
// executed on this platform.
func DefaultMapper() Mapper {
	return HeapMapper{}
}
