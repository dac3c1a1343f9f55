package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SHA256 returns the hex digest of b as-is.
func SHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Normalize collapses every run of whitespace to a single space and trims
// both ends, so re-indented scripts normalize to the same text.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Of fingerprints script text. Re-indenting or re-wrapping keeps the
// fingerprint; adding whitespace between two tokens does not.
func Of(text string) string {
	return SHA256([]byte(Normalize(text)))
}
