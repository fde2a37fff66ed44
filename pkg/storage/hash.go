package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func hashSecret(secret string) string {
	trimmed := strings.TrimSpace(secret)
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

// tokenPrefix returns the short display prefix of a token secret so operators
// can identify a token without the panel storing the full value.
func tokenPrefix(secret string) string {
	trimmed := strings.TrimSpace(secret)
	if len(trimmed) <= 8 {
		return trimmed
	}
	return trimmed[:8]
}
