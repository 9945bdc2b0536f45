// Package esiatest provides an in-process ESIA provider for tests.
package esiatest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-esia/pkg/esia"
)

const (
	// State is the client state configured by Provider.Config.
	State = "11111111-1111-1111-1111-111111111111"

	// SubjectID is the oid of the signed-in test user.
	SubjectID = "1000299353"

	// CallbackURL is the redirect target configured by Provider.Config.
	CallbackURL = "https://app.example/esia-signin"

	// Email is the verified e-mail of the test user.
	Email = "ivanov@example.ru"
)

// Signer returns the SHA-256 digest of the message.
type Signer struct{}

func (Signer) Sign(_ context.Context, message []byte) ([]byte, error) {
	sum := sha256.Sum256(message)
	return sum[:], nil
}

// Verifier reports OK for every signature.
type Verifier struct {
	OK bool
}

func (v Verifier) Verify(context.Context, string, []byte, []byte) bool {
	return v.OK
}

// AccessToken returns an unsigned compact token for subject valid for ttl.
func AccessToken(tb testing.TB, subject string, ttl time.Duration) string {
	tb.Helper()
	now := time.Now()
	enc := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			tb.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	return enc(map[string]any{"alg": "RS256", "typ": "JWT"}) + "." +
		enc(map[string]any{
			"urn:esia:sid":    "session-" + subject,
			"urn:esia:sbj_id": json.Number(subject),
			"iat":             now.Unix(),
			"nbf":             now.Add(-time.Minute).Unix(),
			"exp":             now.Add(ttl).Unix(),
		}) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("signature"))
}

// Provider serves the token endpoint and the person REST resources.
type Provider struct {
	*httptest.Server
	tb testing.TB

	mu          sync.Mutex
	tokenForms  []url.Values
	tokenStatus int
}

// NewProvider starts a provider that is closed with the test.
func NewProvider(tb testing.TB) *Provider {
	tb.Helper()
	p := &Provider{tb: tb, tokenStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/aas/oauth2/te", p.token)
	mux.HandleFunc("/rs/prns/"+SubjectID, p.json(`{
		"firstName": "Иван",
		"lastName": "Иванов",
		"middleName": "Иванович",
		"trusted": true,
		"birthDate": "01.02.1990"
	}`))
	mux.HandleFunc("/rs/prns/"+SubjectID+"/ctts", p.json(`{"elements":[
		{"type":"MBT","value":"+7(900)0000000","vrfStu":"VERIFIED"},
		{"type":"EML","value":"`+Email+`","vrfStu":"VERIFIED"}
	]}`))

	p.Server = httptest.NewServer(mux)
	tb.Cleanup(p.Close)
	return p
}

// Config returns a client configuration pointing at the provider.
func (p *Provider) Config() *esia.Config {
	return &esia.Config{
		ClientID: "client-x",
		Scopes:   []string{"openid", "fullname", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.URL + "/aas/oauth2/ac",
			TokenURL: p.URL + "/aas/oauth2/te",
		},
		RestURL:     p.URL + "/rs",
		CallbackURL: CallbackURL,
		State:       State,
		Signer:      Signer{},
		Verifier:    Verifier{OK: true},
	}
}

// FailTokens makes the token endpoint answer with status.
func (p *Provider) FailTokens(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// TokenForms returns the forms posted to the token endpoint.
func (p *Provider) TokenForms() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenForms...)
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.tokenForms = append(p.tokenForms, r.PostForm)
	status := p.tokenStatus
	p.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  AccessToken(p.tb, SubjectID, time.Hour),
		"refresh_token": "refresh-1",
		"expires_in":    3600,
		"state":         r.PostForm.Get("state"),
		"token_type":    "Bearer",
	})
}

func (p *Provider) json(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

// Recorder keeps callback outcomes and ignores everything else.
type Recorder struct {
	mu        sync.Mutex
	callbacks []string
}

func (r *Recorder) RecordTokenExchange(string, bool, time.Duration) {}
func (r *Recorder) RecordTokenRefresh(bool)                          {}
func (r *Recorder) RecordRequest(string, int, time.Duration)         {}
func (r *Recorder) RecordSignature(string, bool)                     {}

func (r *Recorder) RecordCallback(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, result)
}

// Callbacks returns the recorded callback outcomes in order.
func (r *Recorder) Callbacks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.callbacks...)
}
