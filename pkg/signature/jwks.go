package signature

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	_ Verifier       = (*JWKSVerifier)(nil)
	_ HeaderVerifier = (*JWKSVerifier)(nil)
)

// JWKSVerifier checks RS256 token signatures against keys published as a JWK
// set. Keys are selected by the "kid" header, so callers should prefer
// VerifyHeader.
type JWKSVerifier struct {
	keys keyfunc.Keyfunc
}

// NewJWKSVerifier fetches and keeps refreshing the key sets at urls until ctx ends.
func NewJWKSVerifier(ctx context.Context, urls ...string) (*JWKSVerifier, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("signature: at least one jwks url is required")
	}
	k, err := keyfunc.NewDefaultCtx(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("signature: failed to load jwks: %w", err)
	}
	return &JWKSVerifier{keys: k}, nil
}

// NewJWKSVerifierFromJSON builds a verifier from a static JWK set document.
func NewJWKSVerifierFromJSON(raw json.RawMessage) (*JWKSVerifier, error) {
	k, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("signature: invalid jwks: %w", err)
	}
	return &JWKSVerifier{keys: k}, nil
}

// Verify has no key id to work with and tries every key in the set.
func (v *JWKSVerifier) Verify(ctx context.Context, alg string, message, signature []byte) bool {
	return v.VerifyHeader(ctx, map[string]any{"alg": alg}, message, signature)
}

// VerifyHeader checks an RS256 signature with the key named by the header's kid.
func (v *JWKSVerifier) VerifyHeader(ctx context.Context, header map[string]any, message, signature []byte) bool {
	alg, _ := header["alg"].(string)
	if !strings.EqualFold(alg, AlgRS256) {
		return false
	}

	normalized := make(map[string]any, len(header))
	for k, val := range header {
		normalized[k] = val
	}
	normalized["alg"] = AlgRS256

	key, err := v.keys.KeyfuncCtx(ctx)(&jwt.Token{Header: normalized, Method: jwt.SigningMethodRS256})
	if err != nil {
		return false
	}

	// Without a kid the whole set comes back.
	if set, ok := key.(jwt.VerificationKeySet); ok {
		for _, k := range set.Keys {
			if verifyRSA(message, signature, k) {
				return true
			}
		}
		return false
	}
	return verifyRSA(message, signature, key)
}

func verifyRSA(message, signature []byte, key any) bool {
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return jwt.SigningMethodRS256.Verify(string(message), signature, pub) == nil
}
