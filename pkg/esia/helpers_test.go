package esia

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

const testState = "11111111-1111-1111-1111-111111111111"

var testNow = time.Unix(1700000000, 0)

// fakeSigner returns the SHA-256 digest of the message so secrets are deterministic.
type fakeSigner struct {
	err     error
	calls   atomic.Int32
	mu      sync.Mutex
	message []byte
}

func (s *fakeSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.message = append([]byte(nil), message...)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sum := sha256.Sum256(message)
	return sum[:], nil
}

func (s *fakeSigner) lastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.message)
}

type fakeVerifier struct {
	ok    bool
	calls atomic.Int32
}

func (v *fakeVerifier) Verify(context.Context, string, []byte, []byte) bool {
	v.calls.Add(1)
	return v.ok
}

type recordingRecorder struct {
	mu        sync.Mutex
	exchanges []string
	refreshes []bool
	requests  []int
}

func (r *recordingRecorder) RecordTokenExchange(kind string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.exchanges = append(r.exchanges, kind+":ok")
	} else {
		r.exchanges = append(r.exchanges, kind+":fail")
	}
}

func (r *recordingRecorder) RecordTokenRefresh(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, success)
}

func (r *recordingRecorder) RecordRequest(_ string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, status)
}

func (r *recordingRecorder) RecordSignature(string, bool) {}
func (r *recordingRecorder) RecordCallback(string)        {}

func testConfig(baseURL string) *Config {
	return &Config{
		ClientID: "client-x",
		Scopes:   []string{"openid", "fullname"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  baseURL + "/aas/oauth2/ac",
			TokenURL: baseURL + "/aas/oauth2/te",
		},
		RestURL:     baseURL + "/rs",
		CallbackURL: "https://app.example/esia-signin",
		State:       testState,
		Signer:      &fakeSigner{},
		Verifier:    &fakeVerifier{ok: true},
	}
}

func newTestClient(t *testing.T, cfg *Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	c, err := NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return c
}

func segment(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// makeToken builds an unsigned RS256 style compact token.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	return segment(t, map[string]any{"alg": "RS256", "typ": "JWT"}) + "." +
		segment(t, claims) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("signature"))
}

func tokenValidFor(t *testing.T, sid string, d time.Duration) string {
	t.Helper()
	return makeToken(t, map[string]any{
		"urn:esia:sid":    sid,
		"urn:esia:sbj_id": 1000299353,
		"iat":             testNow.Add(-time.Minute).Unix(),
		"nbf":             testNow.Add(-time.Minute).Unix(),
		"exp":             testNow.Add(d).Unix(),
	})
}

func mustParse(t *testing.T, raw, refresh string) *AccessToken {
	t.Helper()
	tok, err := ParseAccessToken(raw, refresh, "3600")
	if err != nil {
		t.Fatalf("ParseAccessToken() failed: %v", err)
	}
	return tok
}

// tokenEndpoint answers every token request with access and counts the calls.
func tokenEndpoint(access string, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-2",
			"expires_in":    3600,
			"state":         testState,
			"token_type":    "Bearer",
		})
	}
}
