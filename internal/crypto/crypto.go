// Package crypto encrypts message bodies before they reach the store.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCiphertext indicates a ciphertext was too short to contain a nonce
// and authentication tag, or failed to authenticate.
var ErrCiphertext = errors.New("crypto: invalid ciphertext")

// KeySize is the length, in bytes, of the key expected by NewBox.
const KeySize = chacha20poly1305.KeySize

// Box seals and opens message content with XChaCha20-Poly1305, using a
// key loaded once at startup and a fresh random nonce per call to Seal.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a 32 byte key.
func NewBox(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.WithMessage(err, "new aead")
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext suitable for
// storing as a single column.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.WithMessage(err, "read nonce")
	}
	sealed := b.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(blob) < ns+b.aead.Overhead() {
		return nil, ErrCiphertext
	}
	nonce, ciphertext := blob[:ns], blob[ns:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plaintext, nil
}
