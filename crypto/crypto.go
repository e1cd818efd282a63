// Package crypto provides encryption and decryption for OAuth tokens at rest.
// It implements AES-256-GCM authenticated encryption and stores the result as
// three hex columns (cipher text, IV and authentication tag).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const tagSize = 16

// ErrDecrypt is returned when a sealed token fails authentication.
var ErrDecrypt = errors.New("decryption failed: authentication or integrity check failed")

// Encryptor defines the interface for encrypting and decrypting data.
// Implementations must provide authenticated encryption (AEAD) to ensure
// both confidentiality and integrity of the ciphertext.
type Encryptor interface {
	// Encrypt returns nonce || ciphertext || tag.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt verifies and transforms ciphertext back to plaintext.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// SealedToken is the stored form of an encrypted token. All fields are hex encoded.
// The zero value represents "no token".
type SealedToken struct {
	Cipher string
	IV     string
	Tag    string
}

// IsZero reports whether no token is stored.
func (s SealedToken) IsZero() bool { return s.Cipher == "" && s.IV == "" && s.Tag == "" }

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key.
// The key should be generated using a cryptographically secure random source:
//
//	openssl rand -base64 32
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &AESEncryptor{aead: gcm}, nil
}

// Encrypt encrypts plaintext and returns nonce || ciphertext || tag.
// The 12-byte nonce is random per call.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts and authenticates output of Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize+tagSize {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", nonceSize+tagSize, len(ciphertext))
	}

	plaintext, err := e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		// Don't expose internal error details that might leak information
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// Seal encrypts plaintext and splits the result into its stored columns.
// An empty plaintext yields a zero SealedToken.
func Seal(enc Encryptor, plaintext string) (SealedToken, error) {
	if plaintext == "" {
		return SealedToken{}, nil
	}

	raw, err := enc.Encrypt([]byte(plaintext))
	if err != nil {
		return SealedToken{}, err
	}

	nonceSize := len(raw) - len(plaintext) - tagSize
	if nonceSize <= 0 {
		return SealedToken{}, fmt.Errorf("unexpected sealed length %d", len(raw))
	}
	return SealedToken{
		IV:     hex.EncodeToString(raw[:nonceSize]),
		Cipher: hex.EncodeToString(raw[nonceSize : len(raw)-tagSize]),
		Tag:    hex.EncodeToString(raw[len(raw)-tagSize:]),
	}, nil
}

// Open reassembles and decrypts a sealed token. A zero SealedToken yields "".
func Open(enc Encryptor, s SealedToken) (string, error) {
	if s.IsZero() {
		return "", nil
	}

	iv, err := hex.DecodeString(s.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ct, err := hex.DecodeString(s.Cipher)
	if err != nil {
		return "", fmt.Errorf("decode cipher: %w", err)
	}
	tag, err := hex.DecodeString(s.Tag)
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	if len(tag) != tagSize {
		return "", fmt.Errorf("invalid tag length %d", len(tag))
	}

	raw := make([]byte, 0, len(iv)+len(ct)+len(tag))
	raw = append(raw, iv...)
	raw = append(raw, ct...)
	raw = append(raw, tag...)

	plaintext, err := enc.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// TokenCipher holds the keys for access and refresh tokens.
type TokenCipher struct {
	Access  Encryptor
	Refresh Encryptor
}

// NewTokenCipher builds a TokenCipher from base64 keys. refreshKey may equal accessKey.
func NewTokenCipher(accessKey, refreshKey string) (*TokenCipher, error) {
	access, err := NewAESEncryptor(accessKey)
	if err != nil {
		return nil, fmt.Errorf("access token key: %w", err)
	}
	if refreshKey == "" || refreshKey == accessKey {
		return &TokenCipher{Access: access, Refresh: access}, nil
	}
	refresh, err := NewAESEncryptor(refreshKey)
	if err != nil {
		return nil, fmt.Errorf("refresh token key: %w", err)
	}
	return &TokenCipher{Access: access, Refresh: refresh}, nil
}

// SealPair seals an access and a refresh token with their respective keys.
func (c *TokenCipher) SealPair(access, refresh string) (SealedToken, SealedToken, error) {
	at, err := Seal(c.Access, access)
	if err != nil {
		return SealedToken{}, SealedToken{}, fmt.Errorf("seal access token: %w", err)
	}
	rt, err := Seal(c.Refresh, refresh)
	if err != nil {
		return SealedToken{}, SealedToken{}, fmt.Errorf("seal refresh token: %w", err)
	}
	return at, rt, nil
}

// OpenAccess decrypts an access token.
func (c *TokenCipher) OpenAccess(s SealedToken) (string, error) { return Open(c.Access, s) }

// OpenRefresh decrypts a refresh token.
func (c *TokenCipher) OpenRefresh(s SealedToken) (string, error) { return Open(c.Refresh, s) }
