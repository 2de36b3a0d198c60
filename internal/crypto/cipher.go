// Package crypto implements the reversible identifier cipher used to
// cross the trust boundary between the hub and external services.
// Internal user ids are carried as `ivHex:cipherHex` so a service can
// round-trip an identity without ever seeing the hub's identifier scheme.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const ivLength = 16 // AES block size

var (
	// ErrMalformed reports a token that does not match ivHex:cipherHex.
	ErrMalformed = errors.New("crypto: malformed encrypted identifier")
	// ErrDecrypt reports ciphertext that cannot be decrypted with the
	// configured key: wrong key, tampering, or truncation. Callers must
	// surface this, never fall back to treating the token as plaintext.
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// Cipher encrypts and decrypts opaque identifiers with AES-256-CBC.
// The working key is derived once from the shared secret with SHA-256,
// so the configured secret need not be exactly 32 bytes itself.
type Cipher struct {
	key [32]byte
}

// New derives a cipher from the shared secret. Secrets shorter than 32
// bytes are rejected outright rather than silently weakening the key.
func New(secret string) (*Cipher, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("crypto: shared secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Cipher{key: sha256.Sum256([]byte(secret))}, nil
}

// Encrypt returns ivHex:cipherHex with a fresh random IV per call. Two
// encryptions of the same plaintext never produce equal output.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generating iv: %w", err)
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Malformed tokens fail with ErrMalformed;
// wrong-key or tampered ciphertext fails with ErrDecrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	ivHex, cipherHex, ok := splitToken(token)
	if !ok {
		return "", ErrMalformed
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != ivLength {
		return "", ErrMalformed
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(unpadded), nil
}

// IsEncrypted reports whether s has the shape of an encrypted
// identifier: exactly two non-empty hex segments separated by a colon.
func IsEncrypted(s string) bool {
	ivHex, cipherHex, ok := splitToken(s)
	if !ok {
		return false
	}
	return isHex(ivHex) && isHex(cipherHex)
}

func splitToken(s string) (ivHex, cipherHex string, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
