package sync

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the SHA-256 hex digest of the content. The digest is
// the sole optimistic-concurrency token: the same function runs on the writer
// before publishing and on the reader when comparing, never on partial input.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
