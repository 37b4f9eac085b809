// Package secret holds encrypted values at rest and resolves
// "${global:NAME}" references at point of use. Nothing here caches
// plaintext: decryption happens into transient request scope only.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/flujo-ai/flujo/internal/store"
)

// Value prefixes. A stored string carrying EncryptedPrefix is ciphertext;
// FailedPrefix marks a value a previous migration could not re-encrypt —
// it is passed through untouched and flagged.
const (
	EncryptedPrefix = "encrypted:"
	FailedPrefix    = "encrypted_failed:"
)

// scrypt parameters for the key-encryption key. Interactive-grade: the KEK
// is derived once per process, not per request.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	saltLen      = 16
	passwordKind = "password"
	defaultKind  = "default"
)

// metadata is the record persisted under "encryption_metadata": the wrapped
// data-encryption key plus the KDF salt needed to unwrap it.
type metadata struct {
	Kind       string `json:"kind"` // "default" or "password"
	Salt       string `json:"salt"`
	WrappedDEK string `json:"wrappedDek"`
}

// Cipher encrypts and decrypts engine secrets with a data-encryption key
// (DEK) that is itself stored wrapped by a scrypt-derived key.
type Cipher struct {
	dek []byte
}

// ErrNotInitialized is returned by Open when no encryption metadata exists
// yet; call Init first.
var ErrNotInitialized = errors.New("secret: encryption not initialized")

// Init generates a fresh DEK, wraps it under the passphrase and persists the
// metadata. passphrase may be empty, in which case a fixed default secret is
// used (matching the "default KDF-derived key" mode).
func Init(ctx context.Context, s store.Store, passphrase string) (*Cipher, error) {
	dek := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("secret: generate DEK: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("secret: generate salt: %w", err)
	}

	kind := passwordKind
	if passphrase == "" {
		kind = defaultKind
	}
	kek, err := deriveKey(passphrase, kind, salt)
	if err != nil {
		return nil, err
	}
	wrapped, err := seal(kek, dek)
	if err != nil {
		return nil, fmt.Errorf("secret: wrap DEK: %w", err)
	}

	meta := metadata{
		Kind:       kind,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		WrappedDEK: base64.StdEncoding.EncodeToString(wrapped),
	}
	if err := store.SaveJSON(ctx, s, store.KeyEncryptionMetadata, meta); err != nil {
		return nil, err
	}
	return &Cipher{dek: dek}, nil
}

// Open unwraps the persisted DEK using the passphrase (empty for default
// mode) and returns a ready Cipher.
func Open(ctx context.Context, s store.Store, passphrase string) (*Cipher, error) {
	var meta metadata
	if err := store.LoadJSON(ctx, s, store.KeyEncryptionMetadata, &meta); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(meta.Salt)
	if err != nil {
		return nil, fmt.Errorf("secret: decode salt: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(meta.WrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("secret: decode wrapped DEK: %w", err)
	}
	kek, err := deriveKey(passphrase, meta.Kind, salt)
	if err != nil {
		return nil, err
	}
	dek, err := open(kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("secret: unwrap DEK (wrong passphrase?): %w", err)
	}
	return &Cipher{dek: dek}, nil
}

// OpenOrInit opens the cipher, initializing metadata on first run.
func OpenOrInit(ctx context.Context, s store.Store, passphrase string) (*Cipher, error) {
	c, err := Open(ctx, s, passphrase)
	if errors.Is(err, ErrNotInitialized) {
		return Init(ctx, s, passphrase)
	}
	return c, err
}

// Encrypt returns plaintext sealed under the DEK with the storage prefix.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	ct, err := seal(c.dek, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("secret: encrypt: %w", err)
	}
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. The input must carry EncryptedPrefix.
func (c *Cipher) Decrypt(value string) (string, error) {
	if len(value) < len(EncryptedPrefix) || value[:len(EncryptedPrefix)] != EncryptedPrefix {
		return "", fmt.Errorf("secret: value is not encrypted")
	}
	ct, err := base64.StdEncoding.DecodeString(value[len(EncryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("secret: decode ciphertext: %w", err)
	}
	pt, err := open(c.dek, ct)
	if err != nil {
		return "", fmt.Errorf("secret: decrypt: %w", err)
	}
	return string(pt), nil
}

// deriveKey derives the key-encryption key. Default mode keys off a fixed
// process-local secret so installs without a password still keep API keys
// out of plaintext on disk.
func deriveKey(passphrase, kind string, salt []byte) ([]byte, error) {
	secret := passphrase
	if kind == defaultKind {
		secret = "flujo-default-key"
	}
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	return key, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
