package httpclient

import (
	"net/http"
	"time"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
)

// RetryTransport wraps an http.RoundTripper with retry logic for transient
// failures. Only GET and HEAD requests are retried; everything else passes
// straight through to Base.
type RetryTransport struct {
	Base http.RoundTripper

	// MaxRetries is the total number of attempts; zero means 3.
	MaxRetries int

	// InitialBackoff doubles after every failed attempt; zero means 100ms.
	InitialBackoff time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return base.RoundTrip(req)
	}

	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := t.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := base.RoundTrip(req)

		if err == nil && !shouldRetry(resp) {
			return resp, nil
		}

		lastErr = err
		if attempt == maxRetries-1 {
			if err == nil {
				return resp, nil
			}
			break
		}
		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, http.ErrHandlerTimeout
}

// shouldRetry determines if an HTTP response indicates a transient failure.
func shouldRetry(resp *http.Response) bool {
	if resp == nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
