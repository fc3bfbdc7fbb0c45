// Package secret encrypts account secrets at rest with AES-256-GCM.
//
// Stored values carry an "enc:" prefix followed by base64(nonce|ciphertext).
// Values without the prefix are treated as legacy plaintext and pass through
// Decrypt unchanged.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Prefix     = "enc:"
	salt       = "mailpool_secret_salt_v1"
	iterations = 100000
)

var ErrDecrypt = errors.New("decrypt secret")

// Codec is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the AES key from secretKey with PBKDF2-SHA256. A fixed
// salt keeps the key stable across restarts.
func NewCodec(secretKey string) (*Codec, error) {
	if secretKey == "" {
		return nil, errors.New("secret key cannot be empty")
	}
	key := pbkdf2.Key([]byte(secretKey), []byte(salt), iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt returns the stored form of plaintext. Empty and already encrypted
// values are returned as is.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("create nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Failures wrap ErrDecrypt, which usually means
// the secret key changed or the row is corrupted.
func (c *Codec) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrDecrypt, err)
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

func IsEncrypted(s string) bool { return strings.HasPrefix(s, Prefix) }
