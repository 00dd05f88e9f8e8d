//go:build !linux || !amd64

package backend

import "github.com/ascrivener/tracejit/pkg/errors"

type nativeStack struct{}

func (s *nativeStack) free() error { return nil }

// Execute needs linux/amd64; code can still be assembled and inspected
// elsewhere.
func (b *Backend) Execute(tok *LoopToken, inputs []uint64) (*GuardDescr, error) {
	return nil, errors.Unimplementedf("execute", "generated code only runs on linux/amd64")
}
