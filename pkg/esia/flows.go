package esia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeremyhahn/go-esia/pkg/base64url"
	"github.com/jeremyhahn/go-esia/pkg/signature"
)

// RequestKind selects the grant used against the token endpoint.
type RequestKind int

const (
	// ByAuthCode exchanges an authorization code.
	ByAuthCode RequestKind = iota

	// ByRefresh exchanges a refresh token.
	ByRefresh

	// ByCredential obtains a token for the client system itself.
	ByCredential
)

func (k RequestKind) String() string {
	switch k {
	case ByAuthCode:
		return "auth_code"
	case ByRefresh:
		return "refresh"
	case ByCredential:
		return "credential"
	default:
		return "unknown"
	}
}

// TokenResponse is the token endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	State        string `json:"state,omitempty"`

	// ExpiresIn is kept as text; the provider sends it as a number or a string.
	ExpiresIn string `json:"-"`
}

// UnmarshalJSON accepts expires_in as either a JSON number or a string.
func (r *TokenResponse) UnmarshalJSON(data []byte) error {
	type plain TokenResponse
	aux := struct {
		*plain
		ExpiresIn json.RawMessage `json:"expires_in"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.ExpiresIn = ""
	raw := bytes.TrimSpace(aux.ExpiresIn)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		return json.Unmarshal(raw, &r.ExpiresIn)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("expires_in: %w", err)
		}
		r.ExpiresIn = n.String()
	}
	return nil
}

// Exchange trades an authorization code for tokens. An empty callbackURL
// uses Config.CallbackURL; it must match the one sent to AuthCodeURL.
func (c *Client) Exchange(ctx context.Context, code, callbackURL string) (*TokenResponse, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: authorization code is required", ErrInvalidRequest)
	}
	return c.requestToken(ctx, ByAuthCode, code, c.callback(callbackURL))
}

// ExchangeRefresh trades a refresh token for new tokens.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshToken, callbackURL string) (*TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrInvalidRequest)
	}
	return c.requestToken(ctx, ByRefresh, refreshToken, c.callback(callbackURL))
}

// ExchangeCredentials obtains a token for the client system.
func (c *Client) ExchangeCredentials(ctx context.Context) (*TokenResponse, error) {
	return c.requestToken(ctx, ByCredential, "", "")
}

func (c *Client) callback(callbackURL string) string {
	if callbackURL == "" {
		return c.config.CallbackURL
	}
	return callbackURL
}

func (c *Client) requestToken(ctx context.Context, kind RequestKind, value, callbackURL string) (*TokenResponse, error) {
	start := time.Now()
	resp, err := c.exchangeToken(ctx, kind, value, callbackURL)
	c.recorder.RecordTokenExchange(kind.String(), err == nil, time.Since(start))
	if err != nil {
		c.logger.WarnContext(ctx, "token request failed", "kind", kind.String(), "error", err)
		return nil, err
	}
	c.logger.DebugContext(ctx, "token request succeeded", "kind", kind.String())
	return resp, nil
}

func (c *Client) exchangeToken(ctx context.Context, kind RequestKind, value, callbackURL string) (*TokenResponse, error) {
	timestamp := Timestamp(c.now())
	state := c.config.State
	scope := c.config.Scope()

	secret, err := BuildClientSecret(ctx, c.config.Signer, scope, timestamp, c.config.ClientID, state)
	if err != nil {
		return nil, err
	}

	var name, grantType string
	switch kind {
	case ByRefresh:
		name, grantType = "refresh_token", "refresh_token"
	case ByCredential:
		name, value, grantType = "response_type", "token", "client_credentials"
	default:
		name, grantType = "code", "authorization_code"
	}

	data := url.Values{}
	data.Set("client_id", c.config.ClientID)
	data.Set(name, value)
	data.Set("grant_type", grantType)
	data.Set("state", state)
	data.Set("scope", scope)
	data.Set("timestamp", timestamp)
	data.Set("token_type", "Bearer")
	data.Set("client_secret", secret)
	if kind != ByCredential {
		data.Set("redirect_uri", callbackURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}
	c.setLastStatus(resp.StatusCode, body)

	if !isSuccess(resp.StatusCode) {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return nil, ErrMissingAccessToken
	}
	if tr.State != "" && tr.State != state {
		return nil, ErrStateMismatch
	}
	return &tr, nil
}

// AuthCodeURL returns the authorize URL the user agent must be redirected
// to. Every value is escaped exactly once, spaces as %20.
func (c *Client) AuthCodeURL(ctx context.Context, callbackURL string) (string, error) {
	timestamp := Timestamp(c.now())
	state := c.config.State
	scope := c.config.Scope()

	secret, err := BuildClientSecret(ctx, c.config.Signer, scope, timestamp, c.config.ClientID, state)
	if err != nil {
		return "", err
	}

	params := [][2]string{
		{"client_id", c.config.ClientID},
		{"scope", scope},
		{"response_type", c.config.RequestType},
		{"state", state},
		{"timestamp", timestamp},
		{"access_type", string(c.config.AccessType)},
		{"redirect_uri", c.callback(callbackURL)},
		{"client_secret", secret},
	}

	var b strings.Builder
	b.WriteString(c.config.Endpoint.AuthURL)
	sep := "?"
	if strings.Contains(c.config.Endpoint.AuthURL, "?") {
		sep = "&"
	}
	for _, p := range params {
		b.WriteString(sep)
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(escape(p[1]))
		sep = "&"
	}
	return b.String(), nil
}

func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// VerifyToken checks the signature of a compact access token against the
// configured Verifier. It reports false for tokens with fewer than three
// segments and for unknown algorithms.
func (c *Client) VerifyToken(ctx context.Context, raw string) (bool, error) {
	if raw == "" {
		return false, fmt.Errorf("%w: access token is required", ErrInvalidRequest)
	}
	if c.config.Verifier == nil {
		return false, fmt.Errorf("%w: no verifier configured", ErrSignatureUnavailable)
	}

	parts := strings.Split(raw, ".")
	if len(parts) < 3 {
		return false, nil
	}

	headerJSON, err := base64url.DecodeSegment(parts[0])
	if err != nil {
		return false, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil || header == nil {
		return false, fmt.Errorf("%w: header is not a json object", ErrMalformedToken)
	}

	sig, err := base64url.DecodeSegment(parts[2])
	if err != nil {
		return false, nil
	}
	message := []byte(parts[0] + "." + parts[1])

	var ok bool
	if hv, isHeader := c.config.Verifier.(signature.HeaderVerifier); isHeader {
		ok = hv.VerifyHeader(ctx, header, message, sig)
	} else {
		alg, _ := header["alg"].(string)
		ok = c.config.Verifier.Verify(ctx, alg, message, sig)
	}
	if !ok {
		c.logger.DebugContext(ctx, "token signature rejected", "alg", header["alg"])
	}
	return ok, nil
}
