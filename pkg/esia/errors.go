package esia

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration indicates the client configuration is incomplete or invalid.
	ErrInvalidConfiguration = errors.New("esia: invalid configuration")

	// ErrInvalidRequest indicates a required call argument is missing.
	ErrInvalidRequest = errors.New("esia: invalid request")

	// ErrProviderHTTP indicates the provider answered with a non-success status.
	ErrProviderHTTP = errors.New("esia: provider http error")

	// ErrTransport indicates the provider could not be reached.
	ErrTransport = errors.New("esia: transport error")

	// ErrInvalidResponse indicates the provider returned a body that cannot be decoded.
	ErrInvalidResponse = errors.New("esia: invalid provider response")

	// ErrMissingAccessToken indicates the token response carried no access token.
	ErrMissingAccessToken = errors.New("esia: access token missing")

	// ErrStateMismatch indicates the echoed state differs from the one sent.
	ErrStateMismatch = errors.New("esia: state mismatch")

	// ErrSignatureUnavailable indicates the client secret could not be signed.
	ErrSignatureUnavailable = errors.New("esia: signature unavailable")

	// ErrMalformedToken indicates the access token is not a dot separated compact token.
	ErrMalformedToken = errors.New("esia: malformed token")

	// ErrInvalidTokenSignature indicates a refreshed token failed signature verification.
	ErrInvalidTokenSignature = errors.New("esia: token signature is invalid")

	// ErrTokenNotYetValid indicates the token's not-before time is in the future.
	ErrTokenNotYetValid = errors.New("esia: token not yet valid")

	// ErrMissingToken indicates an authenticated call was made without a current token.
	ErrMissingToken = errors.New("esia: no access token")

	// ErrNoRefreshToken indicates a refresh was required but the token has no refresh token.
	ErrNoRefreshToken = errors.New("esia: no refresh token")

	// ErrAccessDenied indicates the user declined consent at the provider.
	ErrAccessDenied = errors.New("esia: access denied")

	// ErrProviderCallback indicates the provider redirected back with an error other than access_denied.
	ErrProviderCallback = errors.New("esia: provider callback error")
)

const maxErrorBody = 512

// ProviderError carries the status and body of a failed provider response.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return fmt.Sprintf("esia: provider returned status %d: %s", e.StatusCode, body)
}

func (e *ProviderError) Unwrap() error {
	return ErrProviderHTTP
}

// CallbackError is the error triple the provider appends to the callback URL.
type CallbackError struct {
	Code        string
	Description string
	URI         string
}

func (e *CallbackError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("esia: provider error %q", e.Code)
	}
	return fmt.Sprintf("esia: provider error %q: %s", e.Code, e.Description)
}

// Unwrap maps access_denied to ErrAccessDenied and everything else to ErrProviderCallback.
func (e *CallbackError) Unwrap() error {
	if e.Code == "access_denied" {
		return ErrAccessDenied
	}
	return ErrProviderCallback
}
