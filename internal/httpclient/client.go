// Package httpclient builds the HTTP clients used for backchannel calls to the
// identity provider and to out-of-process signers.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Doer defines the interface for making HTTP requests.
// This abstraction allows for testing and custom implementations.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a client created by New.
type Options struct {
	// Timeout bounds every request, including reading the response body.
	Timeout time.Duration

	// TLSConfig is cloned before use; nil means TLS 1.2 minimum with system roots.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables TLS certificate verification (not recommended).
	InsecureSkipVerify bool

	// RetryIdempotent retries GET and HEAD requests on transient failures.
	// Token and resource calls must leave this off.
	RetryIdempotent bool
}

// New creates an *http.Client tuned for provider backchannel traffic.
func New(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	customTLS := opts.TLSConfig
	if customTLS == nil {
		customTLS = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	} else {
		customTLS = opts.TLSConfig.Clone()
	}

	if opts.InsecureSkipVerify {
		customTLS.InsecureSkipVerify = true
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       customTLS,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
	}

	var rt http.RoundTripper = transport
	if opts.RetryIdempotent {
		rt = &RetryTransport{Base: transport}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: rt,
	}
}
