package pkcs11

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
	"testing"
	"time"
)

type fakeSessionProvider struct {
	session Session
	err     error
	calls   int
	lastCfg Config
}

func (f *fakeSessionProvider) Open(ctx context.Context, cfg Config) (Session, error) {
	f.calls++
	f.lastCfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type fakeSession struct {
	key       *rsa.PrivateKey
	loginErr  error
	signErr   error
	logoutErr error
	logins    int
	logouts   int
	signs     int
	lastPIN   string
	lastLabel string
}

func (f *fakeSession) Login(ctx context.Context, pin string) error {
	f.logins++
	f.lastPIN = pin
	return f.loginErr
}

func (f *fakeSession) SignPKCS1(ctx context.Context, keyLabel string, data []byte) ([]byte, error) {
	f.signs++
	f.lastLabel = keyLabel
	if f.signErr != nil {
		return nil, f.signErr
	}
	// Hash 0 signs the DigestInfo as-is, which is what CKM_RSA_PKCS does.
	return rsa.SignPKCS1v15(nil, f.key, crypto.Hash(0), data)
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.logouts++
	return f.logoutErr
}

func newTestCertificate(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "token"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func validConfig() Config {
	return Config{ModulePath: "mod.so", TokenLabel: "token", KeyLabel: "esia-client"}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"missing module", Config{}, false},
		{"missing selectors", Config{ModulePath: "/usr/lib/libpkcs11.so", KeyLabel: "k"}, false},
		{"missing key label", Config{ModulePath: "mod.so", TokenLabel: "MyToken"}, false},
		{"label provided", Config{ModulePath: "mod.so", TokenLabel: "MyToken", KeyLabel: "k"}, true},
		{"slot provided", Config{ModulePath: "mod.so", Slot: "0", KeyLabel: "k"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.want && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tc.want && err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestNewSignerRequiresProvider(t *testing.T) {
	cert, _ := newTestCertificate(t)
	systemSessionProvider = nil
	if _, err := NewSigner(validConfig(), "1234", cert, nil); !errors.Is(err, errSystemProviderUnavailable) {
		t.Fatalf("expected errSystemProviderUnavailable, got %v", err)
	}
}

func TestNewSignerValidatesArguments(t *testing.T) {
	cert, _ := newTestCertificate(t)
	provider := &fakeSessionProvider{}

	if _, err := NewSigner(validConfig(), "", cert, provider); err == nil {
		t.Fatal("expected error for empty pin")
	}
	if _, err := NewSigner(validConfig(), "1234", nil, provider); err == nil {
		t.Fatal("expected error for nil certificate")
	}
	if _, err := NewSigner(Config{}, "1234", cert, provider); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestSignProducesVerifiablePKCS1(t *testing.T) {
	cert, key := newTestCertificate(t)
	sess := &fakeSession{key: key}
	provider := &fakeSessionProvider{session: sess}

	signer, err := NewSigner(validConfig(), "1234", cert, provider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	digest := sha256.Sum256([]byte("client secret message"))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}

	if err := rsa.VerifyPKCS1v15(signer.Public().(*rsa.PublicKey), crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
	if provider.calls != 1 || sess.logins != 1 || sess.logouts != 1 || sess.signs != 1 {
		t.Fatalf("unexpected call counts: open=%d login=%d sign=%d logout=%d", provider.calls, sess.logins, sess.signs, sess.logouts)
	}
	if sess.lastPIN != "1234" || sess.lastLabel != "esia-client" {
		t.Fatalf("unexpected pin/label: %s/%s", sess.lastPIN, sess.lastLabel)
	}
}

func TestSignRejectsUnsupportedOptions(t *testing.T) {
	cert, key := newTestCertificate(t)
	signer, err := NewSigner(validConfig(), "1234", cert, &fakeSessionProvider{session: &fakeSession{key: key}})
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("m"))
	if _, err := signer.Sign(nil, digest[:], &rsa.PSSOptions{Hash: crypto.SHA256}); !errors.Is(err, ErrUnsupportedHash) {
		t.Errorf("expected ErrUnsupportedHash for PSS, got %v", err)
	}
	if _, err := signer.Sign(nil, digest[:], crypto.MD5); !errors.Is(err, ErrUnsupportedHash) {
		t.Errorf("expected ErrUnsupportedHash for MD5, got %v", err)
	}
	if _, err := signer.Sign(nil, digest[:10], crypto.SHA256); err == nil {
		t.Error("expected error for short digest")
	}
}

func TestSignJoinsLogoutError(t *testing.T) {
	cert, key := newTestCertificate(t)
	loginErr := errors.New("bad pin")
	logoutErr := errors.New("logout failed")
	sess := &fakeSession{key: key, loginErr: loginErr, logoutErr: logoutErr}

	signer, err := NewSigner(validConfig(), "1234", cert, &fakeSessionProvider{session: sess})
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("m"))
	_, err = signer.Sign(nil, digest[:], crypto.SHA256)
	if !errors.Is(err, loginErr) || !errors.Is(err, logoutErr) {
		t.Fatalf("expected joined login and logout errors, got %v", err)
	}
	if sess.signs != 0 {
		t.Fatalf("expected no sign after failed login, got %d", sess.signs)
	}
}

func TestSignPropagatesOpenError(t *testing.T) {
	cert, _ := newTestCertificate(t)
	want := errors.New("token removed")
	signer, err := NewSigner(validConfig(), "1234", cert, &fakeSessionProvider{err: want})
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("m"))
	if _, err := signer.Sign(nil, digest[:], crypto.SHA256); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestSignContextRespectsCancel(t *testing.T) {
	cert, key := newTestCertificate(t)
	provider := &fakeSessionProvider{session: &fakeSession{key: key}}
	signer, err := NewSigner(validConfig(), "1234", cert, provider)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	digest := sha256.Sum256([]byte("m"))
	if _, err := signer.SignContext(ctx, digest[:], crypto.SHA256); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("expected no session opened, got %d", provider.calls)
	}
}
