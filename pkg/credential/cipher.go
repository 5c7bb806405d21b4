package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher protects persisted credential blobs at rest.
type Cipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Plaintext relies on file permissions or the database for confidentiality.
type Plaintext struct{}

func (Plaintext) Seal(p []byte) ([]byte, error) { return p, nil }
func (Plaintext) Open(p []byte) ([]byte, error) { return p, nil }

const keyInfo = "chatbridge credential store v1"

var errShortBlob = errors.New("sealed credential blob too short")

type aeadCipher struct {
	key []byte
}

// NewCipher derives an XChaCha20-Poly1305 key from secret. An empty secret
// falls back to a key derived from stable machine properties.
func NewCipher(secret string) (Cipher, error) {
	material := []byte(strings.TrimSpace(secret))
	if len(material) == 0 {
		material = machineSecret()
	}
	kdf := hkdf.New(sha256.New, material, []byte("chatbridge"), []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	return &aeadCipher{key: key}, nil
}

func (c *aeadCipher) Seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *aeadCipher) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errShortBlob
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential blob: %w", err)
	}
	return plain, nil
}

func machineSecret() []byte {
	var parts []string
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(p); err == nil {
			parts = append(parts, strings.TrimSpace(string(b)))
			break
		}
	}
	if host, err := os.Hostname(); err == nil {
		parts = append(parts, host)
	}
	if u, err := user.Current(); err == nil {
		parts = append(parts, u.Uid, u.HomeDir)
	}
	if len(parts) == 0 {
		parts = append(parts, "chatbridge-fallback")
	}
	return []byte(strings.Join(parts, "|"))
}
