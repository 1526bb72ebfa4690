package encrypter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// GCMEncrypter seals payloads with AES-256-GCM. Each sealed payload is prefixed with its random
// nonce.
type GCMEncrypter struct {
	aead cipher.AEAD
}

var _ Encrypter = (*GCMEncrypter)(nil)

// NewGCMEncrypter derives a 256-bit key from the SHA-256 of key.
func NewGCMEncrypter(key string) (*GCMEncrypter, error) {
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}
	sum := sha256.Sum256([]byte(key))

	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &GCMEncrypter{aead: aead}, nil
}

func (e *GCMEncrypter) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	n := e.aead.NonceSize()
	if len(data) < n {
		return nil, ErrCiphertextTooShort
	}

	plain, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

func (e *GCMEncrypter) Encrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return e.aead.Seal(nonce, nonce, data, nil), nil
}
