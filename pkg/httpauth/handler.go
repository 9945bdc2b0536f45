package httpauth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-esia/pkg/correlation"
	"github.com/jeremyhahn/go-esia/pkg/esia"
)

// AuthenticatedFunc receives a completed sign-in. It owns the response.
type AuthenticatedFunc func(w http.ResponseWriter, r *http.Request, res *Result)

// FailureFunc receives a failed sign-in. It owns the response.
type FailureFunc func(w http.ResponseWriter, r *http.Request, err error)

// Handler serves the challenge and callback endpoints over net/http.
type Handler struct {
	flow            *Flow
	onAuthenticated AuthenticatedFunc
	onFailure       FailureFunc
	logger          *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// OnAuthenticated replaces the default success behavior, a redirect to the
// requested local target.
func OnAuthenticated(fn AuthenticatedFunc) HandlerOption {
	return func(h *Handler) {
		if fn != nil {
			h.onAuthenticated = fn
		}
	}
}

// OnFailure replaces the default failure response.
func OnFailure(fn FailureFunc) HandlerOption {
	return func(h *Handler) {
		if fn != nil {
			h.onFailure = fn
		}
	}
}

// NewHandler creates a Handler for flow.
func NewHandler(flow *Flow, opts ...HandlerOption) *Handler {
	h := &Handler{
		flow:            flow,
		onAuthenticated: redirectToTarget,
		onFailure:       WriteFailure,
		logger:          flow.logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Challenge redirects to the provider. The optional "return_url" query
// parameter names the local page to return to.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	target := LocalTarget(r.URL.Query().Get("return_url"))

	ch, err := h.flow.Begin(r.Context(), target, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "esia challenge failed", "error", err)
		http.Error(w, "sign-in unavailable", http.StatusServiceUnavailable)
		return
	}

	http.SetCookie(w, ch.Cookie)
	http.Redirect(w, r, ch.RedirectURL, http.StatusFound)
}

// Callback completes the sign-in.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	res, clear, err := h.flow.Complete(r)
	if clear != nil {
		http.SetCookie(w, clear)
	}
	if err != nil {
		h.onFailure(w, r, err)
		return
	}
	h.onAuthenticated(w, r, res)
}

// Routes mounts GET /login and GET on the callback path.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/login", h.Challenge)
	r.Get(h.flow.CallbackPath(), h.Callback)
	return r
}

func redirectToTarget(w http.ResponseWriter, r *http.Request, res *Result) {
	http.Redirect(w, r, LocalTarget(res.RedirectURI), http.StatusFound)
}

// WriteFailure maps err to a status code and writes a short plain text body.
func WriteFailure(w http.ResponseWriter, _ *http.Request, err error) {
	status, msg := FailureStatus(err)
	http.Error(w, msg, status)
}

// FailureStatus maps a callback error to an HTTP status and a message safe
// to show to the user.
func FailureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, esia.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, esia.ErrProviderHTTP), errors.Is(err, esia.ErrTransport):
		return http.StatusBadGateway, "identity provider unavailable"
	case errors.Is(err, esia.ErrProviderCallback):
		return http.StatusBadGateway, "identity provider error"
	case errors.Is(err, correlation.ErrCorrelationFailed),
		errors.Is(err, correlation.ErrInvalidState),
		errors.Is(err, correlation.ErrStateExpired),
		errors.Is(err, ErrMissingData):
		return http.StatusBadRequest, "sign-in session is invalid or expired"
	default:
		return http.StatusBadRequest, "sign-in failed"
	}
}

// LocalTarget returns path if it is a same-origin absolute path, otherwise "/".
func LocalTarget(path string) string {
	if path == "" || !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.HasPrefix(path, "/\\") {
		return "/"
	}
	return path
}
