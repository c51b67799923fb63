package queue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals header snapshots before they hit disk. Captured headers
// carry live bearer tokens, so the queue database alone must not be
// enough to impersonate the user.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("queue: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// LoadOrCreateKey reads a hex-encoded key from path, generating and
// persisting a fresh one on first run.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("queue: decode key file: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("queue: key file holds %d bytes, want %d", len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("queue: read key file: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("queue: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("queue: create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("queue: write key file: %w", err)
	}
	return key, nil
}

// Seal encrypts plain with a random nonce prefixed to the ciphertext.
func (c *Cipher) Seal(plain []byte) []byte {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		// key length was validated in NewCipher
		panic(err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return aead.Seal(nonce, nonce, plain, nil)
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		panic(err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("queue: sealed blob too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: open sealed blob: %w", err)
	}
	return plain, nil
}
