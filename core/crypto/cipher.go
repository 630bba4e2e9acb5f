package crypto

import (
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/swiftgate/swiftgate/core/xerrors"
)

// Cipher wraps a chacha20poly1305 AEAD keyed from a completed Handshake's
// session key. Frames are sealed as nonce‖ciphertext‖tag, the same
// random-nonce-prefix layout the pack's other AEAD-based transports use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher constructs a Cipher from a 32-byte session key.
func NewCipher(key [KeySize]byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, xerrors.NewInternalError("construct cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce‖ciphertext‖tag.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.NewInternalError("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a nonce‖ciphertext‖tag frame produced by Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, xerrors.NewSecurityError("sealed frame too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xerrors.NewSecurityError("decryption failed: %w", err)
	}
	return plaintext, nil
}

// Overhead returns the fixed per-frame overhead (nonce + authentication tag)
// a sealed frame adds over its plaintext length.
func (c *Cipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}
