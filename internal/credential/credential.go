package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Decrypter resolves a stored secret reference to plaintext.
type Decrypter interface {
	Decrypt(secretRef string) (string, error)
}

type Store interface {
	Decrypter
	Encrypt(plaintext string) (string, error)
}

const sealedPrefix = "v1:"

var ErrMalformedSecret = errors.New("credential: malformed secret reference")

// Sealed stores secrets as XChaCha20-Poly1305 boxes keyed from a master secret.
type Sealed struct {
	key []byte
}

func NewSealed(masterKey string) (*Sealed, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, errors.New("credential: master key is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("querychat credential store"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	return &Sealed{key: key}, nil
}

func (s *Sealed) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	box := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Decrypt maps an empty reference to an empty password.
func (s *Sealed) Decrypt(secretRef string) (string, error) {
	if secretRef == "" {
		return "", nil
	}
	if !strings.HasPrefix(secretRef, sealedPrefix) {
		return "", ErrMalformedSecret
	}
	box, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(secretRef, sealedPrefix))
	if err != nil {
		return "", ErrMalformedSecret
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(box) < aead.NonceSize() {
		return "", ErrMalformedSecret
	}
	plain, err := aead.Open(nil, box[:aead.NonceSize()], box[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("credential: open secret: %w", err)
	}
	return string(plain), nil
}

// Plaintext treats the reference as the secret itself. Used by the CLI where
// the password comes from a flag or the environment.
type Plaintext struct{}

func (Plaintext) Decrypt(secretRef string) (string, error) { return secretRef, nil }

func (Plaintext) Encrypt(plaintext string) (string, error) { return plaintext, nil }
