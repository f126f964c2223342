// Package auth covers both credential paths: API keys for agents and
// programmatic clients, JWT sessions for dashboard users.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// Key prefixes by type. The prefix travels in the plaintext key so the type
// is known before the hash lookup.
const (
	prefixLive = "hb_live_"
	prefixTest = "hb_test_"
	prefixRead = "hb_read_"
)

// displayPrefixLen is how much of the plaintext key is kept for display in
// key listings.
const displayPrefixLen = 12

// GenerateKey returns a new plaintext API key for the given type, its
// SHA-256 hash and its display prefix. The plaintext is returned to the
// caller exactly once and never stored.
func GenerateKey(keyType string) (plaintext, hash, prefix string, err error) {
	var p string
	switch keyType {
	case storage.KeyTypeLive:
		p = prefixLive
	case storage.KeyTypeTest:
		p = prefixTest
	case storage.KeyTypeRead:
		p = prefixRead
	default:
		return "", "", "", fmt.Errorf("unknown key type %q", keyType)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	plaintext = p + hex.EncodeToString(raw)
	return plaintext, HashKey(plaintext), plaintext[:displayPrefixLen], nil
}

// HashKey returns the hex SHA-256 of a plaintext key. Keys are high-entropy
// random strings, so a fast hash with an exact-match lookup is the right
// trade against bcrypt's per-request cost.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// KeyTypeOf reports the key type encoded in a plaintext key's prefix.
func KeyTypeOf(plaintext string) (string, bool) {
	switch {
	case strings.HasPrefix(plaintext, prefixLive):
		return storage.KeyTypeLive, true
	case strings.HasPrefix(plaintext, prefixTest):
		return storage.KeyTypeTest, true
	case strings.HasPrefix(plaintext, prefixRead):
		return storage.KeyTypeRead, true
	}
	return "", false
}

// LooksLikeAPIKey reports whether a bearer token is an API key rather than
// a JWT.
func LooksLikeAPIKey(token string) bool {
	return strings.HasPrefix(token, "hb_")
}
