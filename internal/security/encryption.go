// Package security implements the cross-cutting protections applied before
// any order executes: exchange-credential encryption, IP admission control,
// per-identity rate limiting, heuristic anomaly detection and an append-only
// audit trail, composed by the Manager.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100000
	keyLength     = 32
	saltLength    = 32
)

// ErrDecryptFailed is returned for any undecryptable payload. Callers never
// receive plaintext-like garbage on failure.
var ErrDecryptFailed = errors.New("credential decryption failed")

// envelope wraps an encrypted credential with the metadata needed to
// decrypt it again.
type envelope struct {
	Data      string `json:"data"`
	Nonce     string `json:"nonce"`
	Salt      string `json:"salt"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
}

// CredentialCipher encrypts exchange API credentials with AES-256-GCM under
// keys derived from a master secret via PBKDF2 with a per-encryption salt.
type CredentialCipher struct {
	masterKey []byte
}

// NewCredentialCipher derives the cipher's master key from the secret.
func NewCredentialCipher(masterSecret string) *CredentialCipher {
	hashed := sha256.Sum256([]byte(masterSecret))
	return &CredentialCipher{masterKey: hashed[:]}
}

// Encrypt seals the plaintext and returns a base64 envelope.
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt generation failed: %w", err)
	}
	gcm, err := c.cipherFor(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	env := envelope{
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Algorithm: "AES-256-GCM",
		KeyID:     keyID(salt),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("envelope serialization failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens a base64 envelope produced by Encrypt. Every failure mode
// maps to ErrDecryptFailed.
func (c *CredentialCipher) Decrypt(encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64", ErrDecryptFailed)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: bad envelope", ErrDecryptFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrDecryptFailed)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: bad nonce encoding", ErrDecryptFailed)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: bad salt encoding", ErrDecryptFailed)
	}

	gcm, err := c.cipherFor(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce size", ErrDecryptFailed)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}
	return string(plaintext), nil
}

func (c *CredentialCipher) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}

func keyID(salt []byte) string {
	hash := sha256.Sum256(salt)
	return fmt.Sprintf("key_%x", hash[:8])
}
