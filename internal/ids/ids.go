// Package ids derives deterministic document identifiers.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GenerateIDFromParts hashes the colon-joined parts. The same parts always
// produce the same ID, so re-imports overwrite instead of duplicating.
func GenerateIDFromParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}
