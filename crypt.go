package tillsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// cipherNonceSize is the nonce size for AES-GCM
	cipherNonceSize = 12
	// cipherSaltSize is the salt size for key derivation
	cipherSaltSize = 32
	// cipherKeySize is the AES-256 key size
	cipherKeySize = 32
	// cipherPBKDF2Iterations is the number of iterations for key derivation
	cipherPBKDF2Iterations = 100000
)

// CipherConfig configures at-rest encryption of operation payloads and
// configuration snapshots. This covers storage only; transport security
// is the caller's concern.
type CipherConfig struct {
	// Enabled turns on encryption for stored payloads
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256)
	// If empty, KeyPassword is used to derive a key
	Key []byte `yaml:"-" json:"-"`
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string `yaml:"key_password" json:"-"`
}

// PayloadCipher seals and opens blobs before they reach the store.
type PayloadCipher struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewPayloadCipher creates a cipher from a key or password. A disabled
// configuration yields (nil, nil); a nil cipher stores plaintext.
//
// The password path derives the key with a fresh random salt, so the
// resulting cipher only opens data it sealed itself. To reopen data sealed
// by an earlier process, persist Salt and use NewPayloadCipherWithSalt.
func NewPayloadCipher(cfg CipherConfig) (*PayloadCipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if len(cfg.Key) > 0 {
		if len(cfg.Key) != cipherKeySize {
			return nil, errors.New("cipher key must be 32 bytes for AES-256")
		}
		return newPayloadCipher(cfg.Key, nil)
	}
	if cfg.KeyPassword == "" {
		return nil, errors.New("cipher enabled but no key or password provided")
	}

	salt := make([]byte, cipherSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return NewPayloadCipherWithSalt(cfg, salt)
}

// NewPayloadCipherWithSalt creates a cipher deriving the key from the
// configured password and an existing salt, reproducing the cipher that
// sealed data in an earlier process.
func NewPayloadCipherWithSalt(cfg CipherConfig, salt []byte) (*PayloadCipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.KeyPassword == "" {
		return nil, errors.New("a password is required to derive a key from a salt")
	}
	if len(salt) != cipherSaltSize {
		return nil, fmt.Errorf("cipher salt must be %d bytes, got %d", cipherSaltSize, len(salt))
	}
	key := pbkdf2.Key([]byte(cfg.KeyPassword), salt, cipherPBKDF2Iterations, cipherKeySize, sha256.New)
	return newPayloadCipher(key, salt)
}

func newPayloadCipher(key, salt []byte) (*PayloadCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{gcm: gcm, salt: salt}, nil
}

// Salt returns the key-derivation salt, or nil for raw-key ciphers.
func (c *PayloadCipher) Salt() []byte {
	return c.salt
}

// openPayloadCipher builds the store cipher for an engine. A
// password-derived key persists its salt in a file next to the store so a
// later process derives the same key and can open existing rows; a raw key
// needs no salt.
func openPayloadCipher(cfg EngineConfig) (*PayloadCipher, error) {
	if !cfg.Cipher.Enabled {
		return nil, nil
	}
	if len(cfg.Cipher.Key) == 0 && cfg.Cipher.KeyPassword != "" {
		salt, err := loadOrCreateCipherSalt(cfg.StorePath + ".salt")
		if err != nil {
			return nil, err
		}
		return NewPayloadCipherWithSalt(cfg.Cipher, salt)
	}
	return NewPayloadCipher(cfg.Cipher)
}

// loadOrCreateCipherSalt reads the salt file, creating it with a fresh
// random salt on first open.
func loadOrCreateCipherSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != cipherSaltSize {
			return nil, fmt.Errorf("cipher salt file %s is corrupt: %d bytes", path, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt = make([]byte, cipherSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write cipher salt file: %w", err)
	}
	return salt, nil
}

// Seal encrypts a blob, prepending the nonce.
func (c *PayloadCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, cipherNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *PayloadCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < cipherNonceSize {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:cipherNonceSize], sealed[cipherNonceSize:]
	return c.gcm.Open(nil, nonce, ciphertext, nil)
}
