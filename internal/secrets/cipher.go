package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const ciphertextPrefix = "enc:v1:"

var (
	ErrKeyRequired   = errors.New("secret encryption key is required")
	ErrKeyInvalid    = errors.New("secret encryption key is invalid")
	ErrEncryptFailed = errors.New("secret encryption failed")
	ErrDecryptFailed = errors.New("secret decryption failed")
)

// Cipher seals secret values with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher creates a cipher from a base64-encoded 32-byte key.
func NewCipher(base64Key string) (*Cipher, error) {
	trimmed := strings.TrimSpace(base64Key)
	if trimmed == "" {
		return nil, ErrKeyRequired
	}

	key, err := decodeKey(trimmed)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrKeyInvalid, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrKeyInvalid, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrKeyInvalid, err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts plaintext. The secret name is bound as additional data so a
// ciphertext cannot be replayed under another name.
func (c *Cipher) Seal(name, plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptFailed, err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), []byte(name))
	payload := append(nonce, sealed...)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Open decrypts a value produced by Seal for the same name.
func (c *Cipher) Open(name, value string) (string, error) {
	if !strings.HasPrefix(value, ciphertextPrefix) {
		return "", fmt.Errorf("%w: value is not encrypted", ErrDecryptFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, ciphertextPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: decoding payload: %v", ErrDecryptFailed, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: payload too short", ErrDecryptFailed)
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(name))
	if err != nil {
		return "", fmt.Errorf("%w: opening ciphertext: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

func decodeKey(base64Key string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(base64Key); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(base64Key); err == nil {
		return decoded, nil
	}
	return nil, fmt.Errorf("%w: invalid base64 key", ErrKeyInvalid)
}
