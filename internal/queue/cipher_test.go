package queue

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestCipherRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 0x42
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plain := []byte(`{"Authorization":"Bearer tok"}`)
	sealed := c.Seal(plain)
	if bytes.Contains(sealed, []byte("Bearer")) {
		t.Error("sealed blob leaks plaintext")
	}

	got, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("roundtrip mismatch: %q", got)
	}
}

func TestCipherRejectsTampering(t *testing.T) {
	key := make([]byte, 32)
	c, _ := NewCipher(key)

	sealed := c.Seal([]byte("payload"))
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := c.Open(sealed); err == nil {
		t.Error("expected error for tampered blob")
	}

	if _, err := c.Open([]byte("short")); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestCipherKeySize(t *testing.T) {
	if _, err := NewCipher(make([]byte, 16)); err == nil {
		t.Error("expected error for short key")
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "queue.key")

	key1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	if len(key1) != 32 {
		t.Fatalf("key length: %d", len(key1))
	}

	key2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey reload: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("reloaded key differs")
	}
}
