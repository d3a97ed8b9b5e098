// Package sha256 provides the content digest used for blob addressing.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix tags digests produced by Hasher.
const Prefix = "sha256:"

// Hasher implements archive.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns "sha256:<hex>" for data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
