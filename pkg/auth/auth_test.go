package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestKeyCheckerDisabled(t *testing.T) {
	c, err := NewKeyChecker("", "")
	if err != nil {
		t.Fatal(err)
	}
	if c.Enabled() {
		t.Error("checker without keys should be disabled")
	}
	if err := c.Check(""); err != nil {
		t.Errorf("Check() on disabled checker = %v", err)
	}
}

func TestKeyCheckerPlain(t *testing.T) {
	c, _ := NewKeyChecker("s3cret", "")
	if err := c.Check("s3cret"); err != nil {
		t.Errorf("Check(valid) = %v", err)
	}
	if err := c.Check("wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Check(wrong) = %v, want ErrInvalidKey", err)
	}
	if err := c.Check(""); !errors.Is(err, ErrMissingKey) {
		t.Errorf("Check(empty) = %v, want ErrMissingKey", err)
	}
}

func TestKeyCheckerHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewKeyChecker("", string(hash))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Check("hashed-key"); err != nil {
			t.Errorf("Check(valid) attempt %d = %v", i, err)
		}
	}
	if err := c.Check("other"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Check(other) = %v, want ErrInvalidKey", err)
	}

	if _, err := NewKeyChecker("", "not-a-hash"); err == nil {
		t.Error("NewKeyChecker accepted a malformed hash")
	}
}

func TestHashKeyRoundTrip(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key) < 40 {
		t.Errorf("generated key too short: %q", key)
	}
	hash, err := HashKey(key)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewKeyChecker("", hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Check(key); err != nil {
		t.Errorf("Check(generated) = %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
		"Bearer":       "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
