package signature

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
)

func newTestCertificate(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert, key
}

func signingFunc(cert *x509.Certificate, key crypto.Signer) SigningCertificateFunc {
	return func(context.Context) (*x509.Certificate, crypto.Signer, error) {
		return cert, key, nil
	}
}

func verificationFunc(cert *x509.Certificate) VerificationCertificateFunc {
	return func(context.Context) (*x509.Certificate, error) {
		return cert, nil
	}
}

func rs256(t *testing.T, key *rsa.PrivateKey, message []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15 failed: %v", err)
	}
	return sig
}

type countingRecorder struct {
	mu     sync.Mutex
	events map[string]int
}

func (r *countingRecorder) RecordTokenExchange(string, bool, time.Duration) {}
func (r *countingRecorder) RecordTokenRefresh(bool)                         {}
func (r *countingRecorder) RecordRequest(string, int, time.Duration)        {}
func (r *countingRecorder) RecordCallback(string)                           {}

func (r *countingRecorder) RecordSignature(op string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string]int)
	}
	key := op + ":fail"
	if success {
		key = op + ":ok"
	}
	r.events[key]++
}

func TestDefault_SignProducesDetachedCMS(t *testing.T) {
	cert, key := newTestCertificate(t, "client")
	provider := NewDefault(signingFunc(cert, key), nil)
	message := []byte("openid fullname2024.01.02 03:04:05 +0000client-x11111111-1111-1111-1111-111111111111")

	sig, err := provider.Sign(context.Background(), message)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	envelope, err := pkcs7.Parse(sig)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(envelope.Content) != 0 {
		t.Errorf("Expected detached envelope, got %d bytes of content", len(envelope.Content))
	}
	if len(envelope.Certificates) != 1 || !envelope.Certificates[0].Equal(cert) {
		t.Error("Expected signing certificate embedded in envelope")
	}

	envelope.Content = message
	if err := envelope.Verify(); err != nil {
		t.Errorf("Verify() failed: %v", err)
	}

	envelope.Content = []byte("tampered")
	if err := envelope.Verify(); err == nil {
		t.Error("Expected verification failure for tampered content")
	}
}

func TestDefault_SignWithoutCertificate(t *testing.T) {
	tests := []struct {
		name    string
		signing SigningCertificateFunc
	}{
		{name: "nil accessor", signing: nil},
		{name: "accessor error", signing: func(context.Context) (*x509.Certificate, crypto.Signer, error) {
			return nil, nil, errors.New("store locked")
		}},
		{name: "nil certificate", signing: func(context.Context) (*x509.Certificate, crypto.Signer, error) {
			return nil, nil, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &countingRecorder{}
			provider := NewDefault(tt.signing, nil, WithRecorder(recorder))

			_, err := provider.Sign(context.Background(), []byte("message"))
			if !errors.Is(err, ErrCertificateUnavailable) {
				t.Errorf("Expected ErrCertificateUnavailable, got %v", err)
			}
			if recorder.events["sign:fail"] != 1 {
				t.Errorf("Expected one failed sign recorded, got %v", recorder.events)
			}
		})
	}
}

func TestDefault_VerifyRS256(t *testing.T) {
	cert, key := newTestCertificate(t, "esia")
	provider := NewDefault(nil, verificationFunc(cert))
	message := []byte("eyJhbGciOiJSUzI1NiJ9.eyJ1cm46ZXNpYTpzaWQiOiJhYmMifQ")
	sig := rs256(t, key, message)

	for _, alg := range []string{"RS256", "rs256", "Rs256"} {
		if !provider.Verify(context.Background(), alg, message, sig) {
			t.Errorf("Verify(%q) = false, want true", alg)
		}
	}

	if provider.Verify(context.Background(), "RS256", []byte("other"), sig) {
		t.Error("Expected false for a different message")
	}

	_, otherKey := newTestCertificate(t, "intruder")
	if provider.Verify(context.Background(), "RS256", message, rs256(t, otherKey, message)) {
		t.Error("Expected false for a signature from another key")
	}
}

func TestDefault_VerifyRS256WithoutCertificate(t *testing.T) {
	_, key := newTestCertificate(t, "esia")
	message := []byte("a.b")
	sig := rs256(t, key, message)

	provider := NewDefault(nil, nil)
	if provider.Verify(context.Background(), AlgRS256, message, sig) {
		t.Error("Expected false without a verification certificate")
	}

	failing := NewDefault(nil, func(context.Context) (*x509.Certificate, error) {
		return nil, errors.New("not found")
	})
	if failing.Verify(context.Background(), AlgRS256, message, sig) {
		t.Error("Expected false when the accessor fails")
	}
}

func TestDefault_VerifyUnsupportedAlgorithm(t *testing.T) {
	cert, key := newTestCertificate(t, "esia")
	provider := NewDefault(signingFunc(cert, key), verificationFunc(cert))
	message := []byte("a.b")
	sig := rs256(t, key, message)

	for _, alg := range []string{"", "none", "HS256", "RS512", "ES256", "GOST3410_2012_512", "RS256 "} {
		if provider.Verify(context.Background(), alg, message, sig) {
			t.Errorf("Verify(%q) = true, want false", alg)
		}
	}
}

func TestDefault_VerifyGOST(t *testing.T) {
	cert, key := newTestCertificate(t, "client")
	signer := NewDefault(signingFunc(cert, key), nil)
	message := []byte("header.payload")

	envelope, err := signer.Sign(context.Background(), message)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	t.Run("rsa envelope is not gost bound", func(t *testing.T) {
		provider := NewDefault(nil, nil)
		if provider.Verify(context.Background(), AlgGOST3410_2012_256, message, envelope) {
			t.Error("Expected false for a non-GOST envelope")
		}
	})

	t.Run("custom verifier receives message", func(t *testing.T) {
		var got []byte
		provider := NewDefault(nil, nil, WithGOSTVerifier(func(e *pkcs7.PKCS7, _ *x509.Certificate) error {
			got = e.Content
			return e.Verify()
		}))
		if !provider.Verify(context.Background(), "gost3410_2012_256", message, envelope) {
			t.Error("Expected true from custom verifier")
		}
		if string(got) != string(message) {
			t.Errorf("Expected content %q, got %q", message, got)
		}
		if provider.Verify(context.Background(), AlgGOST3410_2012_256, []byte("tampered"), envelope) {
			t.Error("Expected false for tampered message")
		}
	})
}

func TestDefault_VerifyGOSTNeverLeaksFailures(t *testing.T) {
	tests := []struct {
		name      string
		signature []byte
		verifier  GOSTVerifyFunc
	}{
		{name: "empty signature", signature: nil},
		{name: "garbage", signature: []byte("definitely not asn.1")},
		{name: "truncated der", signature: []byte{0x30, 0x82, 0xff, 0xff, 0x06}},
		{name: "verifier error", signature: nil, verifier: func(*pkcs7.PKCS7, *x509.Certificate) error {
			return errors.New("boom")
		}},
		{name: "verifier panic", verifier: func(*pkcs7.PKCS7, *x509.Certificate) error {
			panic("crypto provider exploded")
		}},
	}

	cert, key := newTestCertificate(t, "client")
	valid, err := NewDefault(signingFunc(cert, key), nil).Sign(context.Background(), []byte("m"))
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.signature
			if tt.verifier != nil {
				sig = valid
			}
			var opts []Option
			if tt.verifier != nil {
				opts = append(opts, WithGOSTVerifier(tt.verifier))
			}
			provider := NewDefault(nil, nil, opts...)

			if provider.Verify(context.Background(), AlgGOST3410_2012_256, []byte("m"), sig) {
				t.Error("Expected false")
			}
		})
	}
}

func TestDefault_ConcurrentUse(t *testing.T) {
	cert, key := newTestCertificate(t, "client")
	provider := NewDefault(signingFunc(cert, key), verificationFunc(cert))
	message := []byte("a.b")
	sig := rs256(t, key, message)

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := provider.Sign(context.Background(), message); err != nil {
				errs <- err.Error()
			}
		}()
		go func() {
			defer wg.Done()
			if !provider.Verify(context.Background(), AlgRS256, message, sig) {
				errs <- "verify returned false"
			}
		}()
	}
	wg.Wait()
	close(errs)

	var failures []string
	for e := range errs {
		failures = append(failures, e)
	}
	if len(failures) > 0 {
		t.Errorf("Concurrent use failed: %s", strings.Join(failures, "; "))
	}
}
