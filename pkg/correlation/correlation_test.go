package correlation

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	a, err := New("/profile")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	b, err := New("")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if a.CorrelationID == b.CorrelationID {
		t.Error("Expected distinct correlation ids")
	}
	if len(a.CorrelationID) != 43 {
		t.Errorf("Expected 43 character id, got %d", len(a.CorrelationID))
	}
	if a.RedirectURI != "/profile" || a.IssuedAt.IsZero() {
		t.Errorf("Unexpected properties %+v", a)
	}
	if got := a.CookieSuffix(); got != a.CorrelationID[:8] {
		t.Errorf("CookieSuffix() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	p := &Properties{CorrelationID: "abc123"}

	tests := []struct {
		name      string
		props     *Properties
		presented string
		wantErr   bool
	}{
		{name: "match", props: p, presented: "abc123"},
		{name: "mismatch", props: p, presented: "abc124", wantErr: true},
		{name: "prefix only", props: p, presented: "abc", wantErr: true},
		{name: "nothing presented", props: p, presented: "", wantErr: true},
		{name: "nil properties", props: nil, presented: "abc123", wantErr: true},
		{name: "empty id", props: &Properties{}, presented: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.props, tt.presented)
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrCorrelationFailed) {
				t.Errorf("Expected ErrCorrelationFailed, got %v", err)
			}
		})
	}
}

func newProtector(t *testing.T, opts ...ProtectorOption) *AEADProtector {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewAEADProtector(key, opts...)
	if err != nil {
		t.Fatalf("NewAEADProtector() failed: %v", err)
	}
	return p
}

func TestAEADProtector_RoundTrip(t *testing.T) {
	p := newProtector(t)
	props, err := New("https://app.example.com/after?x=1")
	if err != nil {
		t.Fatal(err)
	}
	props.Items = map[string]string{".xsrf": "yes"}

	sealed, err := p.Protect(props)
	if err != nil {
		t.Fatalf("Protect() failed: %v", err)
	}
	if strings.ContainsAny(sealed, "+/=") {
		t.Errorf("Sealed state must be URL safe: %q", sealed)
	}
	if strings.Contains(sealed, props.CorrelationID) {
		t.Error("Sealed state must not reveal the correlation id")
	}

	got, err := p.Unprotect(sealed)
	if err != nil {
		t.Fatalf("Unprotect() failed: %v", err)
	}
	if diff := cmp.Diff(props, got); diff != "" {
		t.Errorf("Unprotect() mismatch (-want +got):\n%s", diff)
	}

	again, _ := p.Protect(props)
	if again == sealed {
		t.Error("Expected a fresh nonce per Protect call")
	}
}

func TestAEADProtector_Rejects(t *testing.T) {
	p := newProtector(t)
	other := newProtector(t)
	props, _ := New("")
	sealed, err := p.Protect(props)
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := other.Protect(props)

	tampered := []byte(sealed)
	tampered[len(tampered)-5] ^= 0x01
	if bytes.Equal(tampered, []byte(sealed)) {
		t.Fatal("tamper did not change input")
	}

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "not base64", input: "%%%"},
		{name: "too short", input: "AAAA"},
		{name: "tampered", input: string(tampered)},
		{name: "other key", input: foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Unprotect(tt.input); !errors.Is(err, ErrInvalidState) {
				t.Errorf("Expected ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestAEADProtector_MaxAge(t *testing.T) {
	p := newProtector(t, WithMaxAge(time.Minute))
	props, _ := New("")
	sealed, err := p.Protect(props)
	if err != nil {
		t.Fatal(err)
	}

	p.now = func() time.Time { return props.IssuedAt.Add(2 * time.Minute) }
	if _, err := p.Unprotect(sealed); !errors.Is(err, ErrStateExpired) {
		t.Errorf("Expected ErrStateExpired, got %v", err)
	}

	unlimited := newProtector(t, WithMaxAge(0))
	unlimited.aead = p.aead
	unlimited.now = p.now
	if _, err := unlimited.Unprotect(sealed); err != nil {
		t.Errorf("Expected no age check, got %v", err)
	}
}

func TestNewAEADProtector_BadKey(t *testing.T) {
	if _, err := NewAEADProtector([]byte("short")); err == nil {
		t.Error("Expected error for short key")
	}
}
