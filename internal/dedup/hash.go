package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lowercases text and collapses every whitespace run into a single
// space, trimming the ends. Two entries that differ only in casing or
// whitespace normalize to the same string.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// ContentHash returns the sha256 hex digest of content as-is. Used for file
// bodies (the idempotency key) and for exact entry identity.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NormHash returns the sha256 hex digest of the normalized text. Two entries
// with equal norm hashes are exact duplicates up to case and whitespace.
func NormHash(text string) string {
	return ContentHash([]byte(Normalize(text)))
}
