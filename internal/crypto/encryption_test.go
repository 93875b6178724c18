package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestAESCipherRoundTrip(t *testing.T) {
	c, err := NewAESCipherWithKey(testKey(t))
	if err != nil {
		t.Fatalf("NewAESCipherWithKey: %v", err)
	}

	plaintext := []byte(`{"api_key":"sk-test-123"}`)
	blob, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(blob, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}
	if len(blob) != nonceSize+len(plaintext)+tagSize {
		t.Errorf("blob length = %d, want %d", len(blob), nonceSize+len(plaintext)+tagSize)
	}

	decrypted, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
	}
}

func TestAESCipherNonceVaries(t *testing.T) {
	c, err := NewAESCipherWithKey(testKey(t))
	if err != nil {
		t.Fatalf("NewAESCipherWithKey: %v", err)
	}
	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestAESCipherTamperDetection(t *testing.T) {
	c, err := NewAESCipherWithKey(testKey(t))
	if err != nil {
		t.Fatalf("NewAESCipherWithKey: %v", err)
	}
	blob, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := c.Decrypt(blob); err == nil {
		t.Error("Decrypt accepted a tampered blob")
	}
}

func TestAESCipherShortBlob(t *testing.T) {
	c, err := NewAESCipherWithKey(testKey(t))
	if err != nil {
		t.Fatalf("NewAESCipherWithKey: %v", err)
	}
	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Error("Decrypt accepted a truncated blob")
	}
}

func TestAESCipherBadKeySize(t *testing.T) {
	if _, err := NewAESCipherWithKey([]byte("too short")); err == nil {
		t.Error("accepted a key shorter than 32 bytes")
	}
}

func TestAESCipherLazyKeyFetch(t *testing.T) {
	calls := 0
	key := testKey(t)
	c := NewAESCipher(func() ([]byte, error) {
		calls++
		return key, nil
	})

	if calls != 0 {
		t.Fatalf("key fetched at construction, calls = %d", calls)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Encrypt([]byte("x")); err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("key provider called %d times, want 1", calls)
	}
}

func TestAESCipherProviderError(t *testing.T) {
	wantErr := errors.New("vault unreachable")
	c := NewAESCipher(func() ([]byte, error) { return nil, wantErr })
	if _, err := c.Encrypt([]byte("x")); !errors.Is(err, wantErr) {
		t.Errorf("Encrypt error = %v, want wrapped %v", err, wantErr)
	}
}

func TestPlainCipherPassthrough(t *testing.T) {
	var c PlainCipher
	in := []byte("raw value")
	enc, err := c.Encrypt(in)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !bytes.Equal(enc, in) {
		t.Errorf("Encrypt changed data: %q", enc)
	}
	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(dec, in) {
		t.Errorf("Decrypt changed data: %q", dec)
	}
}

func TestHMACSHA256(t *testing.T) {
	a := HMACSHA256("key-abc", "secret")
	b := HMACSHA256("key-abc", "secret")
	if a != b {
		t.Error("HMAC not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
	if HMACSHA256("key-abc", "other") == a {
		t.Error("different secrets produced same digest")
	}
	if HMACSHA256("key-xyz", "secret") == a {
		t.Error("different messages produced same digest")
	}
}
