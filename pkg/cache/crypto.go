package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	cipherSaltSize   = 32
	cipherIterations = 10000
)

// Cipher encrypts payload blobs with AES-256-GCM. Keys are derived per
// namespace from the master key, so entries from one namespace cannot be
// decrypted with another namespace's key even inside a shared backend.
type Cipher struct {
	masterKey []byte
}

// NewCipher builds a Cipher from the configured master key string.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("%w: empty encryption key", ErrInvalidConfig)
	}
	hash := sha256.Sum256([]byte(masterKey))
	return &Cipher{masterKey: hash[:]}, nil
}

// Encrypt seals plaintext under the namespace key. Output layout is
// salt || nonce || ciphertext.
func (c *Cipher) Encrypt(plaintext []byte, namespace string) ([]byte, error) {
	salt := make([]byte, cipherSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.gcm(namespace, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt reverses Encrypt for the same namespace.
func (c *Cipher) Decrypt(encrypted []byte, namespace string) ([]byte, error) {
	if len(encrypted) < cipherSaltSize+12 {
		return nil, fmt.Errorf("invalid encrypted data: too short")
	}

	salt := encrypted[:cipherSaltSize]
	rest := encrypted[cipherSaltSize:]

	gcm, err := c.gcm(namespace, salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("invalid encrypted data: missing nonce")
	}

	plaintext, err := gcm.Open(nil, rest[:nonceSize], rest[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func (c *Cipher) gcm(namespace string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(append(c.masterKey, []byte(namespace)...), salt, cipherIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
