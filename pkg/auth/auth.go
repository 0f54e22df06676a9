package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// KeyChecker validates bearer API keys against a plaintext key and/or a
// bcrypt hash. A checker with neither configured accepts every request.
type KeyChecker struct {
	key  string
	hash []byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewKeyChecker builds a checker. hash must be a bcrypt hash when set.
func NewKeyChecker(key, hash string) (*KeyChecker, error) {
	c := &KeyChecker{
		key:      key,
		verified: make(map[[sha256.Size]byte]struct{}),
	}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid api key hash: %w", err)
		}
		c.hash = []byte(hash)
	}
	return c, nil
}

// Enabled reports whether any key is configured
func (c *KeyChecker) Enabled() bool {
	return c != nil && (c.key != "" || len(c.hash) > 0)
}

// Check validates a presented key
func (c *KeyChecker) Check(presented string) error {
	if !c.Enabled() {
		return nil
	}
	if presented == "" {
		return ErrMissingKey
	}
	if c.key != "" && SecureCompare(presented, c.key) {
		return nil
	}
	if len(c.hash) == 0 {
		return ErrInvalidKey
	}

	// keys that already matched skip bcrypt
	digest := sha256.Sum256([]byte(presented))
	c.mu.RLock()
	_, ok := c.verified[digest]
	c.mu.RUnlock()
	if ok {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(c.hash, []byte(presented)); err != nil {
		return ErrInvalidKey
	}
	c.mu.Lock()
	c.verified[digest] = struct{}{}
	c.mu.Unlock()
	return nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashKey returns the bcrypt hash to store in server.api_key_hash
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
