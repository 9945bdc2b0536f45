package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jeremyhahn/go-esia/internal/esiatest"
	"github.com/jeremyhahn/go-esia/pkg/correlation"
	"github.com/jeremyhahn/go-esia/pkg/esia"
	"github.com/jeremyhahn/go-esia/pkg/metrics"
)

func testServerConfig() Config {
	return Config{
		CorrelationTTL:  15 * time.Minute,
		SessionTTL:      time.Hour,
		VerifyTokens:    true,
		InsecureCookies: true,
		MetricsEnabled:  true,
	}
}

func newTestServer(t *testing.T, store correlation.Store) *server {
	t.Helper()

	provider := esiatest.NewProvider(t)
	client, err := esia.NewClient(provider.Config())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	key, err := correlation.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if store == nil {
		mem := correlation.NewMemoryStore(time.Minute)
		t.Cleanup(mem.Close)
		store = mem
	}

	srv, err := newServer(testServerConfig(), esiaTestLogger(), client, key, store, metrics.NewNoop())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return srv
}

func serve(srv *server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestHealth_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	srv := newTestServer(t, correlation.NewRedisStore(rdb, "test:"))

	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	mr.Close()
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestMe_NotSignedIn(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "garbage"})
	if rec := serve(srv, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for a forged session, got %d", rec.Code)
	}
}

func TestSignInFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/login?return_url=/me", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d", rec.Code)
	}
	correlationCookie := rec.Result().Cookies()[0]

	authURL, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Failed to parse redirect: %v", err)
	}
	callback, err := url.Parse(authURL.Query().Get("redirect_uri"))
	if err != nil {
		t.Fatalf("Failed to parse redirect_uri: %v", err)
	}

	q := callback.Query()
	q.Set("state", esiatest.State)
	q.Set("code", "auth-code")
	req := httptest.NewRequest(http.MethodGet, callback.Path+"?"+q.Encode(), nil)
	req.AddCookie(correlationCookie)

	rec = serve(srv, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/me" {
		t.Errorf("Expected redirect to /me, got %q", loc)
	}

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatal("Expected session cookie")
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(session)
	rec = serve(srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var me struct {
		SubjectID string `json:"sbj_id"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		Trusted   bool   `json:"trusted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if me.SubjectID != esiatest.SubjectID || me.Email != esiatest.Email || !me.Trusted {
		t.Errorf("Unexpected identity %+v", me)
	}
	if me.Name != "Иванов Иван Иванович" {
		t.Errorf("Expected full name, got %q", me.Name)
	}

	rec = serve(srv, httptest.NewRequest(http.MethodPost, "/logout", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
}

func esiaTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
