// Package certstore resolves the certificates and keys used to sign ESIA
// requests and verify provider tokens.
package certstore

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/jeremyhahn/go-esia/pkg/signature"
)

var (
	// ErrNoCertificate indicates the input held no certificate.
	ErrNoCertificate = errors.New("certstore: no certificate found")

	// ErrNoPrivateKey indicates the input held no private key.
	ErrNoPrivateKey = errors.New("certstore: no private key found")

	// ErrKeyMismatch indicates the private key does not belong to the certificate.
	ErrKeyMismatch = errors.New("certstore: private key does not match certificate")
)

// Bundle is a certificate with an optional private key.
type Bundle struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// LoadPEM reads the first certificate and, if present, the first private key
// from PEM data. Additional certificates are ignored.
func LoadPEM(data []byte) (*Bundle, error) {
	b := &Bundle{}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if b.Certificate != nil {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("certstore: invalid certificate: %w", err)
			}
			b.Certificate = cert
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if b.Key != nil {
				continue
			}
			key, err := parseKeyDER(block.Bytes)
			if err != nil {
				return nil, err
			}
			b.Key = key
		}
	}

	if b.Certificate == nil {
		return nil, ErrNoCertificate
	}
	if b.Key != nil {
		if err := matchKey(b.Certificate, b.Key); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// LoadFiles reads a certificate file and an optional key file.
func LoadFiles(certPath, keyPath string) (*Bundle, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("certstore: %w", err)
	}
	if keyPath != "" && keyPath != certPath {
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("certstore: %w", err)
		}
		data = append(append(data, '\n'), keyData...)
	}
	return LoadPEM(data)
}

// ParsePrivateKey parses a PEM or DER encoded PKCS#1, PKCS#8 or SEC 1 key.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return parseKeyDER(data)
}

func parseKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("certstore: unsupported key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, ErrNoPrivateKey
}

type publicKeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

func matchKey(cert *x509.Certificate, key crypto.Signer) error {
	pub, ok := key.Public().(publicKeyEqualer)
	if !ok || !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

// SigningFunc exposes the bundle as a signing certificate accessor.
func (b *Bundle) SigningFunc() signature.SigningCertificateFunc {
	return func(context.Context) (*x509.Certificate, crypto.Signer, error) {
		if b.Key == nil {
			return nil, nil, ErrNoPrivateKey
		}
		return b.Certificate, b.Key, nil
	}
}

// VerificationFunc exposes the bundle certificate as a verification accessor.
func (b *Bundle) VerificationFunc() signature.VerificationCertificateFunc {
	return func(context.Context) (*x509.Certificate, error) {
		return b.Certificate, nil
	}
}

// WithSigner returns a copy of the bundle whose key is replaced by signer,
// typically a hardware-backed key.
func (b *Bundle) WithSigner(signer crypto.Signer) (*Bundle, error) {
	if err := matchKey(b.Certificate, signer); err != nil {
		return nil, err
	}
	return &Bundle{Certificate: b.Certificate, Key: signer}, nil
}
