// Package encryption implements the at-rest protection used for user API
// keys, private profile fields and legacy chat messages.
//
// Values are encrypted with AES-256-CBC under a key derived from the user's
// encryption password with PBKDF2-HMAC-SHA256. The derived key never reaches
// storage; it lives only in the user's session cookie.
//
// Payloads are hex(iv):hex(ciphertext):hex(mac). The trailing HMAC-SHA256
// (keyed by an HKDF subkey) is absent on values written by the legacy
// system; those are still accepted and checked by padding alone.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// DefaultIterations is the PBKDF2 work factor.
	DefaultIterations = 100000

	separator = ":"
	checkText = "charachat-key-check"
	macInfo   = "charachat-mac-v1"
)

var (
	// ErrInvalidKey is returned for keys that are not 32 bytes.
	ErrInvalidKey = errors.New("encryption: key must be 32 bytes")
	// ErrMalformed is returned for payloads that are not hex segments.
	ErrMalformed = errors.New("encryption: malformed payload")
	// ErrDecrypt is returned when the mac or padding does not verify, which in
	// practice means the wrong key.
	ErrDecrypt = errors.New("encryption: decryption failed")
)

// DeriveKey stretches password into a 32-byte key.
func DeriveKey(password, salt string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("encryption: password is required")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(password), []byte(salt), iterations, KeySize, sha256.New), nil
}

// UserSalt binds the deployment salt to a user so equal passwords yield
// different keys per account.
func UserSalt(deploymentSalt, userID string) string {
	return deploymentSalt + separator + userID
}

// Encrypt returns hex(iv):hex(ciphertext):hex(mac).
func Encrypt(key []byte, plaintext string) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	mac, err := sign(key, iv, out)
	if err != nil {
		return "", err
	}

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(out),
		hex.EncodeToString(mac),
	}, separator), nil
}

// Decrypt reverses Encrypt. Two-part legacy payloads are accepted.
func Decrypt(key []byte, payload string) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	parts := strings.Split(payload, separator)
	if len(parts) != 2 && len(parts) != 3 {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformed
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}
	if len(parts) == 3 {
		got, err := hex.DecodeString(parts[2])
		if err != nil {
			return "", ErrMalformed
		}
		want, err := sign(key, iv, ct)
		if err != nil {
			return "", err
		}
		if !hmac.Equal(got, want) {
			return "", ErrDecrypt
		}
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// IsEncrypted reports whether s has the payload shape produced by Encrypt
// or by the legacy system.
func IsEncrypted(s string) bool {
	parts := strings.Split(s, separator)
	if len(parts) != 2 && len(parts) != 3 {
		return false
	}
	if len(parts[0]) != aes.BlockSize*2 || len(parts[1]) == 0 || len(parts[1])%(aes.BlockSize*2) != 0 {
		return false
	}
	if len(parts) == 3 && len(parts[2]) != sha256.Size*2 {
		return false
	}
	for _, p := range parts {
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// NewKeyCheck encrypts a fixed marker so a later password attempt can be
// verified without storing the key.
func NewKeyCheck(key []byte) (string, error) {
	return Encrypt(key, checkText)
}

// VerifyKeyCheck reports whether key decrypts check to the marker.
func VerifyKeyCheck(key []byte, check string) bool {
	plain, err := Decrypt(key, check)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(plain), []byte(checkText)) == 1
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return block, nil
}

func sign(key, iv, ct []byte) ([]byte, error) {
	macKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(macInfo)), macKey); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	h := hmac.New(sha256.New, macKey)
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil), nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrDecrypt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrDecrypt
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrDecrypt
		}
	}
	return b[:len(b)-n], nil
}
