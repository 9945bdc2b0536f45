package esia

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-esia/pkg/base64url"
)

// Claim names issued by the provider.
const (
	ClaimSessionID = "urn:esia:sid"
	ClaimSubjectID = "urn:esia:sbj_id"
)

// AccessToken is a parsed provider access token. It is never modified after
// construction; a refresh produces a new value.
type AccessToken struct {
	// Raw is the compact header.payload.signature string.
	Raw string

	RefreshToken string

	// ExpiresIn is the lifetime reported by the token endpoint, zero when absent.
	ExpiresIn time.Duration

	SessionID string

	// SubjectID is the oid of the authenticated person.
	SubjectID string

	// NotBefore, ExpiresAt and IssuedAt are zero when the claim is absent.
	NotBefore time.Time
	ExpiresAt time.Time
	IssuedAt  time.Time

	// Claims holds the full decoded payload.
	Claims jwt.MapClaims
}

// ParseAccessToken decodes the payload segment of raw. The signature is not
// checked; see Client.VerifyToken.
func ParseAccessToken(raw, refreshToken, expiresIn string) (*AccessToken, error) {
	if raw == "" {
		return nil, ErrMissingAccessToken
	}
	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: expected at least 2 segments, got %d", ErrMalformedToken, len(parts))
	}

	payload, err := base64url.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	claims, err := decodeClaims(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}

	t := &AccessToken{
		Raw:          raw,
		RefreshToken: refreshToken,
		SessionID:    stringClaim(claims, ClaimSessionID),
		SubjectID:    stringClaim(claims, ClaimSubjectID),
		NotBefore:    timeClaim(claims, "nbf"),
		ExpiresAt:    timeClaim(claims, "exp"),
		IssuedAt:     timeClaim(claims, "iat"),
		Claims:       claims,
	}
	if n, err := strconv.Atoi(strings.TrimSpace(expiresIn)); err == nil {
		t.ExpiresIn = time.Duration(n) * time.Second
	}
	return t, nil
}

// NewToken builds an AccessToken from a token endpoint response.
func NewToken(resp *TokenResponse) (*AccessToken, error) {
	if resp == nil {
		return nil, ErrMissingAccessToken
	}
	return ParseAccessToken(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn)
}

// Expired reports whether the token has an expiry that lies before now.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// NotYetValid reports whether the token has a not-before time after now.
func (t *AccessToken) NotYetValid(now time.Time) bool {
	return !t.NotBefore.IsZero() && now.Before(t.NotBefore)
}

// OAuth2 converts the token for use with golang.org/x/oauth2 clients.
func (t *AccessToken) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.Raw,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

func decodeClaims(data []byte) (jwt.MapClaims, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var claims jwt.MapClaims
	if err := dec.Decode(&claims); err != nil {
		return nil, err
	}
	if claims == nil {
		return nil, fmt.Errorf("payload is not a json object")
	}
	return claims, nil
}

// stringClaim renders scalar claims as text; the subject id is numeric on the wire.
func stringClaim(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// timeClaim reads Unix seconds given as a number or numeric string.
func timeClaim(claims jwt.MapClaims, name string) time.Time {
	var raw string
	switch v := claims[name].(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = v
	default:
		return time.Time{}
	}

	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).Local()
}
