package correlation

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Protector seals properties into an opaque URL-safe string and back.
type Protector interface {
	Protect(p *Properties) (string, error)
	Unprotect(s string) (*Properties, error)
}

var additionalData = []byte("esia.correlation.v1")

// AEADProtector seals properties with XChaCha20-Poly1305.
type AEADProtector struct {
	aead   cipher.AEAD
	maxAge time.Duration
	now    func() time.Time
}

// ProtectorOption configures an AEADProtector.
type ProtectorOption func(*AEADProtector)

// WithMaxAge rejects states issued longer ago than d. Zero disables the check.
func WithMaxAge(d time.Duration) ProtectorOption {
	return func(p *AEADProtector) {
		p.maxAge = d
	}
}

// NewAEADProtector builds a protector from a 32 byte key.
func NewAEADProtector(key []byte, opts ...ProtectorOption) (*AEADProtector, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("correlation: invalid key: %w", err)
	}
	p := &AEADProtector{aead: aead, maxAge: 15 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// GenerateKey returns a random key suitable for NewAEADProtector.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *AEADProtector) Protect(props *Properties) (string, error) {
	plaintext, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("correlation: failed to encode state: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+p.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := p.aead.Seal(nonce, nonce, plaintext, additionalData)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (p *AEADProtector) Unprotect(s string) (*Properties, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidState
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrInvalidState
	}

	var props Properties
	if err := json.Unmarshal(plaintext, &props); err != nil {
		return nil, ErrInvalidState
	}
	if p.maxAge > 0 && p.now().Sub(props.IssuedAt) > p.maxAge {
		return nil, ErrStateExpired
	}
	return &props, nil
}
