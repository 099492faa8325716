// Package secure implements the symmetric channel cryptography used for chat
// traffic: per-session key derivation from a bearer credential and
// AES-256-GCM sealing of message payloads.
//
// The wire form of a sealed payload is base64(iv || tag || ciphertext) with a
// 12-byte IV and a 16-byte GCM tag, so the layout is compatible with clients
// that split the GCM output into tag and ciphertext themselves.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength        = 32
	ivLength         = 12
	tagLength        = 16
	pbkdf2Iterations = 100000
)

// ErrDecryptionFailure is returned when a sealed payload cannot be opened:
// the frame is malformed, the authentication tag does not verify, or the key
// is wrong or absent.
var ErrDecryptionFailure = errors.New("secure: decryption failure")

// DeriveKey derives the symmetric channel key for a session from its bearer
// credential. The derivation is deterministic so both ends of a connection
// arrive at the same key from the same token.
func DeriveKey(token string) []byte {
	salt := sha256.Sum256([]byte(token))
	return pbkdf2.Key([]byte(token), salt[:], pbkdf2Iterations, keyLength, sha256.New)
}

// Seal encrypts plaintext under key and returns the base64 wire form.
func Seal(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	// gcm.Seal appends ciphertext||tag; the wire layout is iv||tag||ciphertext.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	combined := make([]byte, 0, ivLength+tagLength+len(ciphertext))
	combined = append(combined, iv...)
	combined = append(combined, tag...)
	combined = append(combined, ciphertext...)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Open decrypts a sealed payload produced by Seal (or a compatible client)
// and returns the plaintext. Any malformed input, truncated frame, or tag
// mismatch yields ErrDecryptionFailure.
func Open(encoded string, key []byte) (string, error) {
	if len(key) != keyLength {
		return "", ErrDecryptionFailure
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	if len(data) < ivLength+tagLength {
		return "", ErrDecryptionFailure
	}

	iv := data[:ivLength]
	tag := data[ivLength : ivLength+tagLength]
	ciphertext := data[ivLength+tagLength:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	// Reassemble ciphertext||tag for GCM.
	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	return string(plaintext), nil
}

// LooksSealed reports whether data could plausibly be a sealed payload:
// valid base64 at least as long as an IV plus tag. It cannot prove the data
// is encrypted, only rule out obvious plaintext.
func LooksSealed(data string) bool {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return false
	}
	return len(decoded) >= ivLength+tagLength
}
