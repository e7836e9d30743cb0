// Package sha256 fingerprints export documents so backups can be named by content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the full hex digest of data.
func (Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short returns the first n hex characters of the digest.
func (h Hasher) Short(data []byte, n int) string {
	full := h.Hash(data)
	if n <= 0 || n > len(full) {
		return full
	}
	return full[:n]
}
