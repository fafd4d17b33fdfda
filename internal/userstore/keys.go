package userstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const secretPrefix = "rly_"

// NewSecret generates a raw API key secret.
func NewSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret derives the stored digest for a raw secret. Lookups compare
// digests only; the raw secret never touches the database.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}
