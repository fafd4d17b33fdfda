package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Manager issues and validates signed session tokens. Tokens are self
// contained: email plus expiry, HMAC-signed with the configured secret, so
// validation needs no server-side state.
type Manager struct {
	secret []byte
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret)}
}

// IssueToken issues a signed session token for the email.
func (m *Manager) IssueToken(email string, ttl time.Duration) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", errors.New("email required")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", email, expires)
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken validates and returns the embedded email.
func (m *Manager) ValidateToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", errors.New("invalid token format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid token payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid token signature")
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return "", errors.New("signature mismatch")
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return "", errors.New("invalid payload")
	}
	email := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", errors.New("invalid expiry")
	}
	if time.Now().Unix() > expiry {
		return "", errors.New("token expired")
	}
	return email, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
