package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("s3cret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Encrypt("gho_token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("gho_token")) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "gho_token" {
		t.Fatalf("expected gho_token, got %q", plain)
	}
}

func TestCipherRejectsForeignKey(t *testing.T) {
	a, _ := NewCipher("a")
	b, _ := NewCipher("b")
	sealed, err := a.Encrypt("value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Fatal("expected decrypt with another key to fail")
	}
	if _, err := a.Decrypt([]byte{1, 2}); err == nil {
		t.Fatal("expected short payload to fail")
	}
}

func TestNewCipherRequiresSecret(t *testing.T) {
	if _, err := NewCipher(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(hash, "hunter2"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := RandomToken(16)
	if len(a) != 32 || a == b {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
}
