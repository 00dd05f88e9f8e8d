package codebuf

// Prot is the protection of a mapped region.
type Prot int

const (
	// ProtRWX is used while a region is open for emission.
	ProtRWX Prot = iota
	// ProtRX is used once a region is sealed.
	ProtRX
)

func (p Prot) String() string {
	if p == ProtRX {
		return "r-x"
	}
	return "rwx"
}

// Mapper provides the memory regions code is written into.
type Mapper interface {
	// Map returns a new region of size bytes, preferably near hint so that
	// rel32 displacements between regions stay in range.
	Map(size int, hint uintptr) ([]byte, error)
	Protect(mem []byte, prot Prot) error
	Unmap(mem []byte) error
}

// HeapMapper hands out ordinary Go memory. The bytes are never executable;
// it is meant for tests that inspect emitted code.
type HeapMapper struct{}

func (HeapMapper) Map(size int, hint uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func (HeapMapper) Protect(mem []byte, prot Prot) error { return nil }
func (HeapMapper) Unmap(mem []byte) error              { return nil }
