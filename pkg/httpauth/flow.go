// Package httpauth hosts the ESIA sign-in flow in a web application.
//
// A sign-in has two legs. Challenge seals a fresh correlation id into the
// callback URL, mirrors it in a short lived cookie and redirects the user
// agent to the provider. Callback unseals the state, checks the cookie,
// handles provider errors, exchanges the code and hands the Result to the
// application. Flow holds the framework independent part; Handler adapts it
// to net/http and chi, package ginauth to gin.
package httpauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeremyhahn/go-esia/pkg/correlation"
	"github.com/jeremyhahn/go-esia/pkg/esia"
	"github.com/jeremyhahn/go-esia/pkg/metrics"
)

// CookiePrefix names correlation cookies; the id fragment is appended.
const CookiePrefix = "esia.correlation."

const defaultCorrelationTTL = 15 * time.Minute

var (
	// ErrMissingCode indicates the callback carried neither a code nor an error.
	ErrMissingCode = errors.New("httpauth: authorization code missing")

	// ErrMissingData indicates the callback carried no sealed state.
	ErrMissingData = errors.New("httpauth: state data missing")
)

// Identity is the user as reported by the REST API.
type Identity struct {
	SubjectID string
	Name      string
	Trusted   bool
	Email     string
}

// Result is handed to the application after a successful callback.
type Result struct {
	Token    *esia.AccessToken
	Identity Identity

	// RedirectURI is the local target requested at challenge time.
	RedirectURI string

	// Items are the application values passed to Begin.
	Items map[string]string
}

// Challenge is the outcome of Begin.
type Challenge struct {
	// RedirectURL is the provider authorize URL.
	RedirectURL string

	// Cookie carries the correlation id and must be set on the response.
	Cookie *http.Cookie
}

// Flow runs both legs of the sign-in. It is safe for concurrent use.
type Flow struct {
	client          *esia.Client
	protector       correlation.Protector
	store           correlation.Store
	ttl             time.Duration
	secureCookie    bool
	verifySignature bool
	loadIdentity    bool
	logger          *slog.Logger
	recorder        metrics.Recorder
}

// Option configures a Flow.
type Option func(*Flow)

// WithStore additionally registers correlation ids in s so each one can be
// used only once.
func WithStore(s correlation.Store) Option {
	return func(f *Flow) {
		f.store = s
	}
}

// WithCorrelationTTL bounds the time between challenge and callback.
func WithCorrelationTTL(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithInsecureCookie drops the Secure attribute, for plain HTTP development setups.
func WithInsecureCookie() Option {
	return func(f *Flow) {
		f.secureCookie = false
	}
}

// WithVerifyTokenSignature checks the signature of the issued token.
func WithVerifyTokenSignature(enabled bool) Option {
	return func(f *Flow) {
		f.verifySignature = enabled
	}
}

// WithLoadIdentity fetches name, trust flag and e-mail after sign-in.
func WithLoadIdentity(enabled bool) Option {
	return func(f *Flow) {
		f.loadIdentity = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRecorder reports callback outcomes to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(f *Flow) {
		if r != nil {
			f.recorder = r
		}
	}
}

// NewFlow creates a Flow. The client's CallbackURL is the redirect target.
func NewFlow(client *esia.Client, protector correlation.Protector, opts ...Option) (*Flow, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", esia.ErrInvalidConfiguration)
	}
	if protector == nil {
		return nil, fmt.Errorf("%w: protector is required", esia.ErrInvalidConfiguration)
	}
	if client.Config().CallbackURL == "" {
		return nil, fmt.Errorf("%w: callback url is required", esia.ErrInvalidConfiguration)
	}

	f := &Flow{
		client:          client,
		protector:       protector,
		ttl:             defaultCorrelationTTL,
		secureCookie:    true,
		verifySignature: true,
		loadIdentity:    true,
		logger:          slog.New(slog.DiscardHandler),
		recorder:        metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.verifySignature && client.Config().Verifier == nil {
		return nil, fmt.Errorf("%w: token signature verification requires a verifier", esia.ErrInvalidConfiguration)
	}
	return f, nil
}

// CallbackPath is the path component of the callback URL.
func (f *Flow) CallbackPath() string {
	u, err := url.Parse(f.client.Config().CallbackURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// Begin starts a sign-in that returns to redirectURI on success.
func (f *Flow) Begin(ctx context.Context, redirectURI string, items map[string]string) (*Challenge, error) {
	props, err := correlation.New(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("httpauth: generate correlation id: %w", err)
	}
	props.Items = items

	data, err := f.protector.Protect(props)
	if err != nil {
		return nil, fmt.Errorf("httpauth: protect state: %w", err)
	}

	if f.store != nil {
		if err := f.store.Put(ctx, props.CorrelationID, f.ttl); err != nil {
			return nil, fmt.Errorf("httpauth: register correlation id: %w", err)
		}
	}

	redirect, err := f.client.AuthCodeURL(ctx, f.callbackURL(data))
	if err != nil {
		return nil, err
	}

	return &Challenge{
		RedirectURL: redirect,
		Cookie:      f.cookie(props.CookieSuffix(), props.CorrelationID, int(f.ttl.Seconds())),
	}, nil
}

// Complete validates the callback request and exchanges the code. The
// returned cookie expires the correlation cookie and must be set on the
// response whether or not err is nil.
func (f *Flow) Complete(r *http.Request) (*Result, *http.Cookie, error) {
	res, clear, err := f.complete(r)
	outcome := callbackOutcome(err)
	f.recorder.RecordCallback(outcome)
	if err != nil {
		f.logger.WarnContext(r.Context(), "esia callback failed", "outcome", outcome, "error", err)
	} else {
		f.logger.InfoContext(r.Context(), "esia sign-in completed", "sbj_id", res.Token.SubjectID)
	}
	return res, clear, err
}

func (f *Flow) complete(r *http.Request) (*Result, *http.Cookie, error) {
	ctx := r.Context()
	query := r.URL.Query()

	data := query.Get("data")
	if data == "" {
		return nil, nil, ErrMissingData
	}
	props, err := f.protector.Unprotect(data)
	if err != nil {
		return nil, nil, err
	}

	suffix := props.CookieSuffix()
	clear := f.cookie(suffix, "", -1)

	presented := ""
	if c, err := r.Cookie(CookiePrefix + suffix); err == nil {
		presented = c.Value
	}
	if err := correlation.Validate(props, presented); err != nil {
		return nil, clear, err
	}
	if f.store != nil {
		if err := f.store.Consume(ctx, props.CorrelationID); err != nil {
			return nil, clear, fmt.Errorf("%w: %w", correlation.ErrCorrelationFailed, err)
		}
	}

	if code := query.Get("error"); code != "" {
		return nil, clear, &esia.CallbackError{
			Code:        code,
			Description: query.Get("error_description"),
			URI:         query.Get("error_uri"),
		}
	}

	if state := query.Get("state"); state == "" || state != f.client.Config().State {
		return nil, clear, esia.ErrStateMismatch
	}

	code := query.Get("code")
	if code == "" {
		return nil, clear, ErrMissingCode
	}

	resp, err := f.client.Exchange(ctx, code, f.callbackURL(data))
	if err != nil {
		return nil, clear, err
	}

	if f.verifySignature {
		ok, err := f.client.VerifyToken(ctx, resp.AccessToken)
		if err != nil {
			return nil, clear, fmt.Errorf("%w: %w", esia.ErrInvalidTokenSignature, err)
		}
		if !ok {
			return nil, clear, esia.ErrInvalidTokenSignature
		}
	}

	tok, err := esia.NewToken(resp)
	if err != nil {
		return nil, clear, err
	}

	res := &Result{
		Token:       tok,
		Identity:    Identity{SubjectID: tok.SubjectID},
		RedirectURI: props.RedirectURI,
		Items:       props.Items,
	}
	if f.loadIdentity {
		f.fillIdentity(ctx, tok, &res.Identity)
	}
	return res, clear, nil
}

// fillIdentity loads what the granted scopes allow; missing data is not an error.
func (f *Flow) fillIdentity(ctx context.Context, tok *esia.AccessToken, id *Identity) {
	if tok.SubjectID == "" {
		return
	}
	user := f.client.ForToken(tok)

	if p, err := user.PersonInfo(ctx, ""); err == nil {
		id.Name = p.Name
		id.Trusted = p.Trusted
	} else {
		f.logger.DebugContext(ctx, "person info unavailable", "error", err)
	}

	contacts, err := user.Contacts(ctx, "")
	if err != nil {
		f.logger.DebugContext(ctx, "contacts unavailable", "error", err)
		return
	}
	for _, c := range contacts {
		if c.Type == esia.ContactEmail {
			id.Email = c.Value
			break
		}
	}
}

func (f *Flow) callbackURL(data string) string {
	base := f.client.Config().CallbackURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "data=" + url.QueryEscape(data)
}

func (f *Flow) cookie(suffix, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookiePrefix + suffix,
		Value:    value,
		Path:     f.CallbackPath(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   f.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// callbackOutcome labels err for metrics.
func callbackOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, esia.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, esia.ErrProviderCallback):
		return "provider_error"
	case errors.Is(err, ErrMissingData),
		errors.Is(err, correlation.ErrInvalidState),
		errors.Is(err, correlation.ErrStateExpired):
		return "invalid_data"
	case errors.Is(err, correlation.ErrCorrelationFailed):
		return "correlation_failed"
	case errors.Is(err, esia.ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrMissingCode):
		return "missing_code"
	case errors.Is(err, esia.ErrInvalidTokenSignature):
		return "invalid_signature"
	default:
		return "exchange_failed"
	}
}
