// Package signature signs outgoing ESIA requests and verifies provider token
// signatures.
//
// Signing and verification are separate capabilities backed by different
// parties: the client signs with its own certificate and private key, while
// tokens are checked against the provider's published certificate. A Signer
// may live entirely out of process (see Remote); nothing in this package
// assumes local key material.
package signature

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
)

// Algorithm names as they appear in the "alg" token header.
const (
	AlgRS256             = "RS256"
	AlgGOST3410_2012_256 = "GOST3410_2012_256"
)

// OIDGOST3410_2012_256 identifies GOST R 34.10-2012 with a 256-bit key.
var OIDGOST3410_2012_256 = asn1.ObjectIdentifier{1, 2, 643, 7, 1, 1, 1, 1}

var (
	// ErrCertificateUnavailable indicates no certificate could be resolved for the operation.
	ErrCertificateUnavailable = errors.New("signature: certificate unavailable")

	// ErrSigningFailed indicates the CMS envelope could not be produced.
	ErrSigningFailed = errors.New("signature: signing failed")

	// ErrRemoteSigner indicates the out-of-process signer rejected or failed the request.
	ErrRemoteSigner = errors.New("signature: remote signer failed")
)

// Signer produces a detached CMS/PKCS#7 signature over message.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// Verifier checks signature over message for the named algorithm. It reports
// false for unknown algorithms and for any failure along the way.
type Verifier interface {
	Verify(ctx context.Context, alg string, message, signature []byte) bool
}

// HeaderVerifier is implemented by verifiers that need the full token header,
// for example to select a key by "kid".
type HeaderVerifier interface {
	VerifyHeader(ctx context.Context, header map[string]any, message, signature []byte) bool
}

// Provider is both a Signer and a Verifier.
type Provider interface {
	Signer
	Verifier
}

// SigningCertificateFunc resolves the client's own certificate and matching key.
type SigningCertificateFunc func(ctx context.Context) (*x509.Certificate, crypto.Signer, error)

// VerificationCertificateFunc resolves the provider certificate used to check token signatures.
type VerificationCertificateFunc func(ctx context.Context) (*x509.Certificate, error)
