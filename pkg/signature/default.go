package signature

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallstep/pkcs7"

	"github.com/jeremyhahn/go-esia/pkg/metrics"
)

var _ Provider = (*Default)(nil)

// Default signs with a locally resolved certificate and verifies against the
// provider certificate. Certificates are resolved on every call so rotated
// material is picked up without rebuilding the provider.
type Default struct {
	signing      SigningCertificateFunc
	verification VerificationCertificateFunc
	gost         GOSTVerifyFunc
	recorder     metrics.Recorder
	logger       *slog.Logger
}

// Option configures a Default provider.
type Option func(*Default)

// WithGOSTVerifier replaces the envelope check used for GOST3410_2012_256.
// The default is VerifyGOSTEnvelope.
func WithGOSTVerifier(fn GOSTVerifyFunc) Option {
	return func(p *Default) {
		if fn != nil {
			p.gost = fn
		}
	}
}

// WithRecorder reports sign and verify outcomes to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Default) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Default) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewDefault creates a provider from two certificate accessors. Either may be
// nil: signing then fails with ErrCertificateUnavailable and RS256
// verification reports false.
func NewDefault(signing SigningCertificateFunc, verification VerificationCertificateFunc, opts ...Option) *Default {
	p := &Default{
		signing:      signing,
		verification: verification,
		gost:         VerifyGOSTEnvelope,
		recorder:     metrics.NewNoop(),
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sign returns a DER encoded detached CMS SignedData over message using SHA-256.
func (p *Default) Sign(ctx context.Context, message []byte) (sig []byte, err error) {
	defer func() {
		p.recorder.RecordSignature("sign", err == nil)
	}()

	if p.signing == nil {
		return nil, ErrCertificateUnavailable
	}
	cert, key, err := p.signing(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnavailable, err)
	}
	if cert == nil || key == nil {
		return nil, ErrCertificateUnavailable
	}

	sd, err := pkcs7.NewSignedData(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	sd.Detach()

	sig, err = sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return sig, nil
}

// Verify dispatches on alg, ignoring case. Unsupported algorithms report false.
func (p *Default) Verify(ctx context.Context, alg string, message, signature []byte) (ok bool) {
	defer func() {
		p.recorder.RecordSignature("verify", ok)
	}()

	switch {
	case strings.EqualFold(alg, AlgRS256):
		return p.verifyRS256(ctx, message, signature)
	case strings.EqualFold(alg, AlgGOST3410_2012_256):
		return p.verifyGOST(ctx, message, signature)
	default:
		p.logger.Debug("unsupported signature algorithm", "alg", alg)
		return false
	}
}

func (p *Default) verifyRS256(ctx context.Context, message, signature []byte) bool {
	if p.verification == nil {
		return false
	}
	cert, err := p.verification(ctx)
	if err != nil || cert == nil {
		p.logger.Warn("provider certificate unavailable", "error", err)
		return false
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return jwt.SigningMethodRS256.Verify(string(message), signature, pub) == nil
}

// verifyGOST pins the envelope to the provider certificate when one is
// configured. An accessor that fails reports false.
func (p *Default) verifyGOST(ctx context.Context, message, signature []byte) bool {
	var provider *x509.Certificate
	if p.verification != nil {
		cert, err := p.verification(ctx)
		if err != nil || cert == nil {
			p.logger.Warn("provider certificate unavailable", "error", err)
			return false
		}
		provider = cert
	}
	return checkGOSTEnvelope(p.gost, provider, message, signature)
}
