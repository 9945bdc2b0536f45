package signature

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeremyhahn/go-esia/internal/httpclient"
)

var _ Provider = (*Remote)(nil)

// maxSignatureResponse bounds the body read from the sign endpoint. A CMS
// envelope with its certificate chain is a few kilobytes.
const maxSignatureResponse = 1 << 20

// Remote delegates signing and verification to an out-of-process signer.
//
//	GET  {base}/sign?msg=<base64 message>        -> base64 signature
//	POST {base}/verify  Alg, Message, Signature  -> "true" or "false"
//
// Message and Signature are standard base64. The sign call is idempotent and
// retried on transient failures.
type Remote struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewRemote constructs a remote provider. If client is nil a client with a 30
// second timeout and GET retries is used.
func NewRemote(baseURL string, client *http.Client, logger *slog.Logger) *Remote {
	if client == nil {
		client = httpclient.New(httpclient.Options{
			Timeout:         30 * time.Second,
			RetryIdempotent: true,
		})
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Remote{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Sign asks the remote signer for a detached CMS signature over message.
func (r *Remote) Sign(ctx context.Context, message []byte) ([]byte, error) {
	requestURL := r.baseURL + "/sign?msg=" + url.QueryEscape(base64.StdEncoding.EncodeToString(message))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteSigner, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteSigner, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSignatureResponse+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrRemoteSigner, err)
	}
	if len(body) > maxSignatureResponse {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrRemoteSigner, maxSignatureResponse)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRemoteSigner, resp.StatusCode, string(body))
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrRemoteSigner, err)
	}
	return sig, nil
}

// Verify asks the remote signer to check signature. Transport and status
// failures report false.
func (r *Remote) Verify(ctx context.Context, alg string, message, signature []byte) bool {
	form := url.Values{}
	form.Set("Alg", alg)
	form.Set("Message", base64.StdEncoding.EncodeToString(message))
	form.Set("Signature", base64.StdEncoding.EncodeToString(signature))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/verify", strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("remote verify failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(body)) == "true"
}
