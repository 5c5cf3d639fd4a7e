package vault

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

// ErrCrypto is returned when a ciphertext cannot be decrypted with the
// configured master secret (corrupted data or foreign key).
var ErrCrypto = errors.New("vault: cannot decrypt credential")

const (
	keySalt    = "updatrix-credential-vault"
	kdfIters   = 4096
	keyLenByte = 32
)

// Vault encrypts and decrypts machine admin credentials with a key derived
// deterministically from the process master secret. Stateless; safe for
// concurrent use.
type Vault struct {
	aead cipher.AEAD
}

func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault: master secret is required")
	}
	key := pbkdf2.Key([]byte(masterSecret), []byte(keySalt), kdfIters, keyLenByte, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns an opaque base64 string
// (nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure, including ciphertext produced under
// a different master secret, reports ErrCrypto.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(plain), nil
}
