// Package crypto provides at-rest encryption for credentials and secrets,
// plus the keyed hash used to look up API keys without storing plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

const (
	keySize   = 32
	nonceSize = 16
	tagSize   = 16
)

// Cipher encrypts and decrypts small blobs.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// KeyProvider fetches the 32-byte data encryption key. Implementations
// typically call out to a key vault.
type KeyProvider func() ([]byte, error)

// AESCipher is AES-256-GCM with a 16-byte random nonce. The output blob
// layout is nonce || ciphertext || tag. The key is fetched once and
// cached for the process lifetime.
type AESCipher struct {
	provider KeyProvider

	mu  sync.Mutex
	gcm cipher.AEAD
}

func NewAESCipher(provider KeyProvider) *AESCipher {
	return &AESCipher{provider: provider}
}

// NewAESCipherWithKey builds a cipher around a fixed key. Used by the CLI
// and tests where no vault is involved.
func NewAESCipherWithKey(key []byte) (*AESCipher, error) {
	c := &AESCipher{}
	gcm, err := buildGCM(key)
	if err != nil {
		return nil, err
	}
	c.gcm = gcm
	return c, nil
}

func buildGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

func (c *AESCipher) aead() (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gcm != nil {
		return c.gcm, nil
	}
	key, err := c.provider()
	if err != nil {
		return nil, fmt.Errorf("fetch encryption key: %w", err)
	}
	gcm, err := buildGCM(key)
	if err != nil {
		return nil, err
	}
	c.gcm = gcm
	return gcm, nil
}

func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	// Seal appends ciphertext||tag after the nonce.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AESCipher) Decrypt(blob []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(blob) < nonceSize+tagSize {
		return nil, fmt.Errorf("encrypted blob too short: %d bytes", len(blob))
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// PlainCipher passes data through unchanged. Used in local environments
// where no key vault is configured.
type PlainCipher struct{}

func (PlainCipher) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (PlainCipher) Decrypt(blob []byte) ([]byte, error)      { return blob, nil }

// HMACSHA256 returns the hex digest of the message keyed with secret.
// API keys are stored and looked up by this digest.
func HMACSHA256(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA256Hex returns the unkeyed hex digest, kept alongside the HMAC for
// auditing.
func SHA256Hex(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}
