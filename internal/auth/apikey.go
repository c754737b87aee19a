// ABOUTME: API key generation and hashing
// ABOUTME: Keys are bp_-prefixed random strings; only their BLAKE2b digest is persisted

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// APIKeyPrefix marks a BuzzPoster API key.
const APIKeyPrefix = "bp_"

const apiKeyEntropyBytes = 32

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey returns the hex BLAKE2b-256 digest stored in place of the key.
func HashAPIKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// LooksLikeAPIKey is a cheap syntactic check done before touching the store.
func LooksLikeAPIKey(key string) bool {
	return strings.HasPrefix(key, APIKeyPrefix) && len(key) > len(APIKeyPrefix)
}
