package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// crypto derives an AES-256 key from a passphrase via scrypt and performs
// AES-256-CBC encryption, formatting ciphertext as "{iv_hex}:{ciphertext_hex}".
type crypto struct {
	passphrase string
	mu         sync.RWMutex
	derived    map[string][]byte
}

func newCrypto(passphrase string) *crypto {
	return &crypto{passphrase: passphrase, derived: make(map[string][]byte)}
}

func (c *crypto) deriveKey(salt string) ([]byte, error) {
	c.mu.RLock()
	if key, ok := c.derived[salt]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	key, err := scrypt.Key([]byte(c.passphrase), []byte(salt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	c.mu.Lock()
	c.derived[salt] = key
	c.mu.Unlock()
	return key, nil
}

func (c *crypto) encrypt(plaintext, salt string) (string, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *crypto) decrypt(encrypted, salt string) (string, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted format: missing ':'")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad: %w", err)
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}

const encryptedSalt = "supa-go-session"

// Encrypted wraps an Adapter to transparently encrypt values at rest with
// AES-256-CBC under a scrypt-derived key. Keys are left in the clear so the
// wrapped adapter can still index on them.
type Encrypted struct {
	inner Adapter
	crypt *crypto
}

// NewEncrypted wraps inner so every stored value is encrypted under
// passphrase before being handed to inner, and decrypted on read.
func NewEncrypted(inner Adapter, passphrase string) *Encrypted {
	return &Encrypted{inner: inner, crypt: newCrypto(passphrase)}
}

func (e *Encrypted) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plaintext, err := e.crypt.decrypt(raw, encryptedSalt)
	if err != nil {
		return "", false, fmt.Errorf("decrypt %q: %w", key, err)
	}
	return plaintext, true, nil
}

func (e *Encrypted) Set(ctx context.Context, key, value string) error {
	ciphertext, err := e.crypt.encrypt(value, encryptedSalt)
	if err != nil {
		return fmt.Errorf("encrypt %q: %w", key, err)
	}
	return e.inner.Set(ctx, key, ciphertext)
}

func (e *Encrypted) Remove(ctx context.Context, key string) error {
	return e.inner.Remove(ctx, key)
}
