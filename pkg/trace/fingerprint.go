package trace

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies a trace by the blake2b-256 hash of its text form.
type Fingerprint [32]byte

// Fingerprint hashes the printed trace. Box names are part of the text, so
// two traces built independently with the same names hash equally.
func (t *Trace) Fingerprint() Fingerprint {
	return blake2b.Sum256([]byte(t.String()))
}

// Short returns the first eight hex digits, used in logs.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:4])
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}
