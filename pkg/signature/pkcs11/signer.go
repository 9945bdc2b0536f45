// Package pkcs11 exposes an RSA signing key held on a PKCS#11 token as a
// crypto.Signer, so client secrets can be signed without the private key
// ever leaving the hardware.
package pkcs11

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Session represents an active PKCS#11 session on the configured token.
type Session interface {
	Login(ctx context.Context, pin string) error
	// SignPKCS1 signs data (a DER DigestInfo) with CKM_RSA_PKCS using the
	// private key labelled keyLabel.
	SignPKCS1(ctx context.Context, keyLabel string, data []byte) ([]byte, error)
	Logout(ctx context.Context) error
}

// SessionProvider abstracts creation of PKCS#11 sessions from configuration.
type SessionProvider interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

var (
	errSystemProviderUnavailable = errors.New("pkcs11: system provider unavailable; build with PKCS#11 support to use default")
	// ErrInvalidPIN indicates the supplied PIN was rejected by the token.
	ErrInvalidPIN = errors.New("pkcs11: invalid PIN")
	// ErrKeyNotFound indicates no private key with the configured label exists on the token.
	ErrKeyNotFound = errors.New("pkcs11: private key not found")
	// ErrUnsupportedHash indicates the requested digest has no DigestInfo encoding.
	ErrUnsupportedHash = errors.New("pkcs11: unsupported hash function")
)

// Config supplies the parameters required to locate a signing key on a PKCS#11 token.
type Config struct {
	ModulePath string
	TokenLabel string
	Slot       string
	// KeyLabel is the CKA_LABEL of the private key.
	KeyLabel string
}

func (c Config) validate() error {
	if c.ModulePath == "" {
		return errors.New("pkcs11: module path must not be empty")
	}
	if c.TokenLabel == "" && c.Slot == "" {
		return errors.New("pkcs11: either token label or slot must be specified")
	}
	if c.KeyLabel == "" {
		return errors.New("pkcs11: key label must not be empty")
	}
	return nil
}

var systemSessionProvider SessionProvider

// SetSystemSessionProvider installs the default session provider used when callers
// pass nil to NewSigner.
func SetSystemSessionProvider(p SessionProvider) {
	systemSessionProvider = p
}

// DER prefixes of the DigestInfo structure for each supported hash.
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

var _ crypto.Signer = (*Signer)(nil)

// Signer signs digests with a token-resident RSA key. Every Sign call opens a
// session, logs in, signs and logs out; calls are serialised because token
// sessions are not safe for concurrent use.
type Signer struct {
	cfg      Config
	pin      string
	cert     *x509.Certificate
	provider SessionProvider

	mu sync.Mutex
}

// NewSigner constructs a signer for the key matching cert. If provider is nil
// the package-level system provider is used, which requires linking against a
// real PKCS#11 implementation.
func NewSigner(cfg Config, pin string, cert *x509.Certificate, provider SessionProvider) (*Signer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if pin == "" {
		return nil, errors.New("pkcs11: pin must not be empty")
	}
	if cert == nil {
		return nil, errors.New("pkcs11: certificate is required")
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("pkcs11: unsupported public key type %T", cert.PublicKey)
	}
	if provider == nil {
		if systemSessionProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemSessionProvider
	}
	return &Signer{cfg: cfg, pin: pin, cert: cert, provider: provider}, nil
}

// Certificate returns the certificate bound to the token key.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Public returns the RSA public key from the certificate.
func (s *Signer) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

// Sign implements crypto.Signer using RSA PKCS#1 v1.5. PSS options are rejected.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.SignContext(context.Background(), digest, opts)
}

// SignContext is Sign with cancellation.
func (s *Signer) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) (sig []byte, err error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, fmt.Errorf("%w: PSS", ErrUnsupportedHash)
	}
	prefix, ok := digestInfoPrefix[opts.HashFunc()]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, opts.HashFunc())
	}
	if len(digest) != opts.HashFunc().Size() {
		return nil, fmt.Errorf("pkcs11: digest length %d does not match %v", len(digest), opts.HashFunc())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.provider.Open(ctx, s.cfg)
	if err != nil {
		return nil, err
	}

	defer func() {
		if cerr := session.Logout(ctx); cerr != nil {
			if err != nil {
				err = errors.Join(err, cerr)
			} else {
				err = cerr
			}
		}
	}()

	if err := session.Login(ctx, s.pin); err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(prefix)+len(digest))
	data = append(data, prefix...)
	data = append(data, digest...)
	return session.SignPKCS1(ctx, s.cfg.KeyLabel, data)
}
