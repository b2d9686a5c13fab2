package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// deriveKey stretches the configured master key (an arbitrary-length secret
// string) into the 32-byte key AES-256 requires. The master key is operator
// supplied and already high-entropy (validated by config.Validate), so a
// plain SHA-256 derivation is sufficient here; this is not a password.
func deriveKey(masterKey string) [32]byte {
	return sha256.Sum256([]byte(masterKey))
}

// Encrypt seals plaintext with AES-256-GCM under masterKey, returning
// nonce||ciphertext. There is no suitable ecosystem dependency for this in
// the retrieved examples; symmetric encryption of small secrets is exactly
// what the standard library's crypto/aes and crypto/cipher are for, and
// reaching for a third-party wrapper here would add a dependency with no
// behavior the standard library doesn't already provide correctly.
func Encrypt(masterKey string, plaintext []byte) ([]byte, error) {
	key := deriveKey(masterKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt, splitting the nonce back off the front of the
// sealed blob.
func Decrypt(masterKey string, sealed []byte) ([]byte, error) {
	key := deriveKey(masterKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("sealed data shorter than nonce size")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
