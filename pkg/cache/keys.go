package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const keySep = ":"

// Key joins namespace parts with ":", e.g. Key("retrieval", hash).
func Key(parts ...string) string {
	return strings.Join(parts, keySep)
}

// Prefix is the glob matching every key under the namespace parts.
func Prefix(parts ...string) string {
	return Key(parts...) + keySep + "*"
}

// HashKey returns a fixed-length digest of key, suitable for free-text keys.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
