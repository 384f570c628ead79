// Package sha256 digests archived asset bodies.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmpty is returned for a zero-length body; archived assets are never empty.
var ErrEmpty = errors.New("sha256: empty body")

// Hasher implements asset.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
