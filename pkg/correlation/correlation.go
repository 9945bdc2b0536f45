// Package correlation implements the application-level anti-forgery layer of
// the ESIA sign-in flow.
//
// At challenge time New creates a property bag holding a random correlation
// id and the post-login redirect. The bag is sealed by a Protector and passed
// through the provider in the data parameter, while the same id travels in a
// short-lived cookie. At callback time the bag is unsealed and Validate
// compares both copies. A Store can additionally make every id single-use.
package correlation

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"
)

const idBytes = 32

var (
	// ErrCorrelationFailed indicates the correlation id presented at callback
	// does not match the one sealed into the round-trip state.
	ErrCorrelationFailed = errors.New("correlation: correlation failed")
	// ErrInvalidState indicates the round-trip state could not be unsealed.
	ErrInvalidState = errors.New("correlation: invalid state")
	// ErrStateExpired indicates the round-trip state is older than the protector allows.
	ErrStateExpired = errors.New("correlation: state expired")
	// ErrNotFound indicates the correlation id is unknown, expired or already used.
	ErrNotFound = errors.New("correlation: id not found")
	// ErrDuplicate indicates the correlation id is already registered.
	ErrDuplicate = errors.New("correlation: duplicate id")
)

// Properties is the state carried through the provider between challenge and callback.
type Properties struct {
	CorrelationID string            `json:"cid"`
	RedirectURI   string            `json:"ru,omitempty"`
	Items         map[string]string `json:"items,omitempty"`
	IssuedAt      time.Time         `json:"iat"`
}

// New returns properties with a fresh correlation id.
func New(redirectURI string) (*Properties, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return &Properties{
		CorrelationID: base64.RawURLEncoding.EncodeToString(b),
		RedirectURI:   redirectURI,
		IssuedAt:      time.Now().UTC(),
	}, nil
}

// Validate compares the sealed correlation id with the presented one.
func Validate(p *Properties, presented string) error {
	if p == nil || p.CorrelationID == "" || presented == "" {
		return ErrCorrelationFailed
	}
	if subtle.ConstantTimeCompare([]byte(p.CorrelationID), []byte(presented)) != 1 {
		return ErrCorrelationFailed
	}
	return nil
}

// CookieSuffix is the short id fragment used to name the correlation cookie,
// so parallel sign-ins in one browser do not overwrite each other.
func (p *Properties) CookieSuffix() string {
	if len(p.CorrelationID) <= 8 {
		return p.CorrelationID
	}
	return p.CorrelationID[:8]
}
