// Package authgate implements the Auth Gate from base spec §4.8: validating
// inbound proxy API keys, enforcing admin/api-only roles, and exempting a
// small allow-list of unauthenticated paths.
package authgate

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyPrefix      = "btr-"
	saltBytes      = 16
	secretBytes    = 24
	pbkdf2Iter     = 100_000
	pbkdf2KeyBytes = 32
)

var ErrInvalidKey = errors.New("invalid api key")

// GenerateKey produces a new plaintext API key and its storable hash. The
// plaintext is returned to the caller exactly once; only HashedKey and
// PrefixLast8 are persisted (base §4.8, grounded on the donor's
// never-store-plaintext ApiKey comment in internal/store/apikey.go).
func GenerateKey() (plaintext string, hashed string, prefixLast8 string, err error) {
	secret := make([]byte, secretBytes)
	if _, err = rand.Read(secret); err != nil {
		return "", "", "", fmt.Errorf("generating api key: %w", err)
	}
	plaintext = keyPrefix + hex.EncodeToString(secret)

	hashed, err = HashKey(plaintext)
	if err != nil {
		return "", "", "", err
	}
	prefixLast8 = lastN(plaintext, 8)
	return plaintext, hashed, prefixLast8, nil
}

// HashKey derives a storable "salt:hash" pair from a plaintext key using
// PBKDF2-HMAC-SHA256, matching the strength the rest of the domain stack's
// x/crypto dependency is pulled in for.
func HashKey(plaintext string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(plaintext), salt, pbkdf2Iter, pbkdf2KeyBytes, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(derived), nil
}

// VerifyKey reports whether plaintext matches the stored "salt:hash" pair,
// using a constant-time comparison to avoid timing side channels.
func VerifyKey(plaintext, stored string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(plaintext), salt, pbkdf2Iter, pbkdf2KeyBytes, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// HasPrefix reports whether a candidate string looks like one of our keys,
// used to short-circuit obviously-foreign credentials before a DB lookup.
func HasPrefix(candidate string) bool {
	return strings.HasPrefix(candidate, keyPrefix)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
