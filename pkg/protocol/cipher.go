package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrOpenFailed is returned when a sealed payload cannot be authenticated.
var ErrOpenFailed = errors.New("cannot open sealed payload")

// Cipher is the reversible transform applied to every serialized envelope
// before it reaches the wire.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
	// Flags returns the frame flags that mark payloads produced by Seal.
	Flags() uint8
}

// PlainCipher passes payloads through unchanged.
type PlainCipher struct{}

func (PlainCipher) Seal(p []byte) ([]byte, error) { return p, nil }
func (PlainCipher) Open(c []byte) ([]byte, error) { return c, nil }
func (PlainCipher) Flags() uint8                  { return 0 }

const hkdfInfo = "buddychat envelope key v1"

// AEADCipher seals payloads with XChaCha20-Poly1305 under a key derived from
// a shared secret. Output format: [nonce (24 bytes)][ciphertext+tag].
type AEADCipher struct {
	aead cipher.AEAD
}

// NewAEADCipher derives the envelope key from secret with HKDF-SHA256.
func NewAEADCipher(secret string) (*AEADCipher, error) {
	if secret == "" {
		return nil, errors.New("shared secret is empty")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return &AEADCipher{aead: aead}, nil
}

func (c *AEADCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AEADCipher) Open(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return nil, ErrOpenFailed
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func (c *AEADCipher) Flags() uint8 { return FlagEncrypted }

// NewCipher returns an AEADCipher for a non-empty secret and PlainCipher otherwise.
func NewCipher(secret string) (Cipher, error) {
	if secret == "" {
		return PlainCipher{}, nil
	}
	return NewAEADCipher(secret)
}
