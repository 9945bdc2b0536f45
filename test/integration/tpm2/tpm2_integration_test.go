//go:build integration && tpm2

package tpm2_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"

	"github.com/jeremyhahn/go-esia/pkg/certstore"
	"github.com/jeremyhahn/go-esia/pkg/signature"
	"github.com/jeremyhahn/go-esia/pkg/signature/tpm2"
)

const (
	defaultDevicePath = "/dev/tpmrm0"

	// Handles provisioned by the test image: a PEM key sealed with
	// correctPassword, and the same key sealed under a PCR policy.
	defaultKeyHandle = tpm2.Handle(0x81000010)
	pcrPolicyHandle  = tpm2.Handle(0x81000011)

	correctPassword = "test-password-123"
	wrongPassword   = "wrong-password"

	testPCR = 7
)

func devicePath() string {
	if p := os.Getenv("ESIA_TPM_DEVICE"); p != "" {
		return p
	}
	return defaultDevicePath
}

func keyHandle(t *testing.T) tpm2.Handle {
	t.Helper()
	v := os.Getenv("ESIA_TPM_HANDLE")
	if v == "" {
		return defaultKeyHandle
	}
	h, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		t.Fatalf("invalid ESIA_TPM_HANDLE %q: %v", v, err)
	}
	return tpm2.Handle(h)
}

// skipIfTPMUnavailable skips the test if the TPM device is not available.
func skipIfTPMUnavailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat(devicePath()); os.IsNotExist(err) {
		t.Skipf("TPM device not available at %s", devicePath())
	}
}

// resetTPMLockout clears the dictionary attack counter after tests that
// present a wrong password.
func resetTPMLockout(t *testing.T) {
	t.Helper()

	if script := os.Getenv("TPM_LOCKOUT_RESET_SCRIPT"); script != "" {
		if out, err := exec.Command(script).CombinedOutput(); err != nil {
			t.Logf("Warning: could not reset TPM lockout via %s: %v\n%s", script, err, out)
		}
		return
	}

	cmd := exec.Command("tpm2_dictionarylockout", "-c")
	cmd.Env = append(os.Environ(), "TPM2TOOLS_TCTI=device:"+devicePath())
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Logf("Warning: could not reset TPM lockout: %v\n%s", err, out)
	}
}

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func selfSigned(t *testing.T, signer crypto.Signer) *x509.Certificate {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "esia-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

// TestSealedKeySignsClientSecret unseals the client key and produces a
// detached CMS signature over a client secret message.
func TestSealedKeySignsClientSecret(t *testing.T) {
	skipIfTPMUnavailable(t)

	ctx, cancel := testContext(t)
	defer cancel()

	key, err := tpm2.LoadSigner(ctx, tpm2.Config{
		DevicePath:   devicePath(),
		SealedHandle: keyHandle(t),
	}, correctPassword, nil)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}

	digest := sha256.Sum256([]byte("probe"))
	if _, err := key.Sign(rand.Reader, digest[:], crypto.SHA256); err != nil {
		t.Fatalf("raw sign: %v", err)
	}

	bundle, err := (&certstore.Bundle{Certificate: selfSigned(t, key)}).WithSigner(key)
	if err != nil {
		t.Fatalf("WithSigner: %v", err)
	}

	message := []byte("openid2024.01.02 03:04:05 +0000client-x11111111-1111-1111-1111-111111111111")
	sig, err := signature.NewDefault(bundle.SigningFunc(), nil).Sign(ctx, message)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	envelope, err := pkcs7.Parse(sig)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	envelope.Content = message
	if err := envelope.Verify(); err != nil {
		t.Fatalf("verify envelope: %v", err)
	}
}

func TestWrongPassword(t *testing.T) {
	skipIfTPMUnavailable(t)
	defer resetTPMLockout(t)

	ctx, cancel := testContext(t)
	defer cancel()

	_, err := tpm2.LoadSigner(ctx, tpm2.Config{
		DevicePath:   devicePath(),
		SealedHandle: keyHandle(t),
	}, wrongPassword, nil)
	if !errors.Is(err, tpm2.ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestPCRPolicy(t *testing.T) {
	skipIfTPMUnavailable(t)

	ctx, cancel := testContext(t)
	defer cancel()

	_, err := tpm2.LoadSigner(ctx, tpm2.Config{
		DevicePath:    devicePath(),
		SealedHandle:  pcrPolicyHandle,
		PCRSelection:  []int{testPCR},
		HashAlgorithm: "SHA256",
	}, correctPassword, nil)
	if err != nil && !errors.Is(err, tpm2.ErrPCRMismatch) {
		t.Fatalf("expected success or ErrPCRMismatch, got %v", err)
	}
}

func TestMissingHandle(t *testing.T) {
	skipIfTPMUnavailable(t)

	ctx, cancel := testContext(t)
	defer cancel()

	_, err := tpm2.LoadSigner(ctx, tpm2.Config{
		DevicePath:   devicePath(),
		SealedHandle: tpm2.Handle(0x81009999),
	}, correctPassword, nil)
	if !errors.Is(err, tpm2.ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}
