package esia

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-esia/internal/httpclient"
	"github.com/jeremyhahn/go-esia/pkg/metrics"
)

// maxResponseSize caps every body read from the provider.
const maxResponseSize = 10 << 20

// HTTPClient is an interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SendPolicy controls token handling around an authenticated request.
type SendPolicy struct {
	// CheckTokenTime rejects tokens that are not yet valid and refreshes
	// expired ones before sending.
	CheckTokenTime bool

	// RefreshToken allows refreshing, before the request and once after a 401.
	RefreshToken bool

	// VerifyToken checks the signature of every refreshed token.
	VerifyToken bool
}

var (
	// Normal checks token times, refreshes and verifies refreshed tokens.
	Normal = SendPolicy{CheckTokenTime: true, RefreshToken: true, VerifyToken: true}

	// None sends the current token as is.
	None = SendPolicy{}
)

// Client talks to the provider on behalf of one client system. It is safe
// for concurrent use; refreshes are serialised.
type Client struct {
	config     *Config
	httpClient HTTPClient
	logger     *slog.Logger
	recorder   metrics.Recorder
	now        func() time.Time
	policy     SendPolicy

	token     atomic.Pointer[AccessToken]
	refreshMu sync.Mutex

	statusMu   sync.RWMutex
	lastStatus int
	lastBody   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the backchannel HTTP client.
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger. Tokens and secrets are never logged.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder reports exchanges, refreshes and requests to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithToken sets the initial access token.
func WithToken(t *AccessToken) Option {
	return func(c *Client) {
		c.token.Store(t)
	}
}

// WithPolicy sets the policy used by the REST resource methods. Defaults to Normal.
func WithPolicy(p SendPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithClock overrides the time source used for timestamps and token checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient validates cfg and creates a Client.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:   cfg,
		logger:   slog.New(slog.DiscardHandler),
		recorder: metrics.NewNoop(),
		now:      time.Now,
		policy:   Normal,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = httpclient.New(httpclient.Options{
			Timeout:            cfg.Timeout,
			TLSConfig:          cfg.TLSConfig,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
	}
	return c, nil
}

// ForToken returns a Client sharing c's configuration and transport but
// holding its own token, for per-user calls from a shared client.
func (c *Client) ForToken(t *AccessToken) *Client {
	fork := &Client{
		config:     c.config,
		httpClient: c.httpClient,
		logger:     c.logger,
		recorder:   c.recorder,
		now:        c.now,
		policy:     c.policy,
	}
	fork.token.Store(t)
	return fork
}

// Config returns the validated configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Token returns the current access token or nil.
func (c *Client) Token() *AccessToken {
	return c.token.Load()
}

// SetToken replaces the current access token.
func (c *Client) SetToken(t *AccessToken) {
	c.token.Store(t)
}

// LastStatus returns the status code of the most recent provider response.
func (c *Client) LastStatus() int {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastStatus
}

// LastBody returns the body of the most recent provider response when it was
// not a success, otherwise "".
func (c *Client) LastBody() string {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.lastBody
}

func (c *Client) setLastStatus(code int, body []byte) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.lastStatus = code
	c.lastBody = ""
	if !isSuccess(code) {
		c.lastBody = string(body)
	}
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// Send performs an authenticated request with the current token. The token
// is refreshed at most once before the request and at most once after a 401,
// and the request is retried at most once. Params go to the query string for
// GET and HEAD and form the urlencoded body otherwise.
func (c *Client) Send(ctx context.Context, method, uri string, policy SendPolicy, params url.Values, header http.Header) (*http.Response, error) {
	tok := c.token.Load()
	if tok == nil {
		return nil, ErrMissingToken
	}

	if policy.CheckTokenTime {
		now := c.now()
		if tok.NotYetValid(now) {
			return nil, ErrTokenNotYetValid
		}
		if tok.Expired(now) && policy.RefreshToken && tok.RefreshToken != "" {
			if err := c.refresh(ctx, tok, policy.VerifyToken); err != nil {
				return nil, err
			}
			tok = c.token.Load()
		}
	}

	resp, err := c.do(ctx, tok, method, uri, params, header)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && policy.RefreshToken {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()

		if err := c.refresh(ctx, tok, policy.VerifyToken); err != nil {
			return nil, err
		}
		return c.do(ctx, c.token.Load(), method, uri, params, header)
	}
	return resp, nil
}

// Get sends a GET and returns the body. A non-success status yields ""
// with a nil error; see LastStatus and LastBody.
func (c *Client) Get(ctx context.Context, uri string, policy SendPolicy) (string, error) {
	return c.bodyOf(c.Send(ctx, http.MethodGet, uri, policy, nil, nil))
}

// Post sends params as a form body.
func (c *Client) Post(ctx context.Context, uri string, policy SendPolicy, params url.Values) (string, error) {
	return c.bodyOf(c.Send(ctx, http.MethodPost, uri, policy, params, nil))
}

// Put sends params as a form body.
func (c *Client) Put(ctx context.Context, uri string, policy SendPolicy, params url.Values) (string, error) {
	return c.bodyOf(c.Send(ctx, http.MethodPut, uri, policy, params, nil))
}

func (c *Client) bodyOf(resp *http.Response, err error) (string, error) {
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}
	return string(body), nil
}

func (c *Client) do(ctx context.Context, tok *AccessToken, method, uri string, params url.Values, header http.Header) (*http.Response, error) {
	var body io.Reader
	if len(params) > 0 {
		if method == http.MethodGet || method == http.MethodHead {
			u, err := url.Parse(uri)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			q := u.Query()
			for k, vs := range params {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
			uri = u.String()
		} else {
			body = strings.NewReader(params.Encode())
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+tok.Raw)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recorder.RecordRequest(method, 0, time.Since(start))
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.recorder.RecordRequest(method, resp.StatusCode, time.Since(start))

	if isSuccess(resp.StatusCode) {
		c.setLastStatus(resp.StatusCode, nil)
		return resp, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}
	c.setLastStatus(resp.StatusCode, data)
	resp.Body = io.NopCloser(bytes.NewReader(data))
	c.logger.DebugContext(ctx, "provider request failed", "method", method, "status", resp.StatusCode)
	return resp, nil
}

// refresh replaces stale with a token obtained through its refresh token.
// Concurrent callers holding the same stale token trigger a single exchange.
func (c *Client) refresh(ctx context.Context, stale *AccessToken, verify bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.token.Load()
	if current != nil && current != stale {
		return nil
	}
	if current == nil || current.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	tok, err := c.exchangeRefresh(ctx, current.RefreshToken, verify)
	c.recorder.RecordTokenRefresh(err == nil)
	if err != nil {
		c.logger.WarnContext(ctx, "token refresh failed", "error", err)
		return err
	}
	c.token.Store(tok)
	c.logger.InfoContext(ctx, "token refreshed", "sid", tok.SessionID)
	return nil
}

func (c *Client) exchangeRefresh(ctx context.Context, refreshToken string, verify bool) (*AccessToken, error) {
	resp, err := c.ExchangeRefresh(ctx, refreshToken, "")
	if err != nil {
		return nil, err
	}
	if verify {
		ok, err := c.VerifyToken(ctx, resp.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTokenSignature, err)
		}
		if !ok {
			return nil, ErrInvalidTokenSignature
		}
	}
	return NewToken(resp)
}

// TokenSource returns an oauth2.TokenSource backed by the current token.
// Expired tokens are refreshed through the signed refresh flow.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c}
}

// OAuth2Client returns an *http.Client that attaches the current token to
// every request.
func (c *Client) OAuth2Client(ctx context.Context) *http.Client {
	if hc, ok := c.httpClient.(*http.Client); ok {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	return oauth2.NewClient(ctx, c.TokenSource(ctx))
}

type tokenSource struct {
	ctx    context.Context
	client *Client
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	tok := s.client.token.Load()
	if tok == nil {
		return nil, ErrMissingToken
	}
	if tok.Expired(s.client.now()) && tok.RefreshToken != "" {
		if err := s.client.refresh(s.ctx, tok, s.client.config.Verifier != nil); err != nil {
			return nil, err
		}
		tok = s.client.token.Load()
	}
	return tok.OAuth2(), nil
}
