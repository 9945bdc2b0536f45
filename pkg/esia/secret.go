package esia

import (
	"context"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-esia/pkg/base64url"
	"github.com/jeremyhahn/go-esia/pkg/signature"
)

// TimestampLayout is the wire format of the timestamp parameter.
const TimestampLayout = "2006.01.02 15:04:05 +0000"

// Timestamp formats t in UTC using TimestampLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// BuildClientSecret signs scope, timestamp, clientID and state, concatenated
// in that order without separators, and returns the signature encoded with
// base64url.Encode. The result is deterministic for a deterministic signer.
func BuildClientSecret(ctx context.Context, signer signature.Signer, scope, timestamp, clientID, state string) (string, error) {
	if signer == nil {
		return "", fmt.Errorf("%w: no signer configured", ErrSignatureUnavailable)
	}

	sig, err := signer.Sign(ctx, []byte(scope+timestamp+clientID+state))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignatureUnavailable, err)
	}
	return base64url.Encode(sig), nil
}
