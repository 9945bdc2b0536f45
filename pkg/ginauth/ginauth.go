// Package ginauth serves the ESIA sign-in flow from a gin router.
package ginauth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jeremyhahn/go-esia/pkg/httpauth"
)

// ResultKey is the context key holding the *httpauth.Result for the
// authenticated callback.
const ResultKey = "esia.result"

// AuthenticatedFunc receives a completed sign-in. It owns the response.
type AuthenticatedFunc func(c *gin.Context, res *httpauth.Result)

// FailureFunc receives a failed sign-in. It owns the response.
type FailureFunc func(c *gin.Context, err error)

// Handler adapts an httpauth.Flow to gin.
type Handler struct {
	flow            *httpauth.Flow
	onAuthenticated AuthenticatedFunc
	onFailure       FailureFunc
}

// Option configures a Handler.
type Option func(*Handler)

// OnAuthenticated replaces the default redirect to the requested local target.
func OnAuthenticated(fn AuthenticatedFunc) Option {
	return func(h *Handler) {
		if fn != nil {
			h.onAuthenticated = fn
		}
	}
}

// OnFailure replaces the default JSON error response.
func OnFailure(fn FailureFunc) Option {
	return func(h *Handler) {
		if fn != nil {
			h.onFailure = fn
		}
	}
}

func NewHandler(flow *httpauth.Flow, opts ...Option) *Handler {
	h := &Handler{
		flow:            flow,
		onAuthenticated: redirectToTarget,
		onFailure:       writeFailure,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts GET /login and GET on the callback path.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/login", h.Challenge)
	r.GET(h.flow.CallbackPath(), h.Callback)
}

// Challenge handles GET /login. The optional "return_url" query parameter
// names the local page to return to.
func (h *Handler) Challenge(c *gin.Context) {
	target := httpauth.LocalTarget(c.Query("return_url"))

	ch, err := h.flow.Begin(c.Request.Context(), target, nil)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":             "temporarily_unavailable",
			"error_description": "sign-in unavailable",
		})
		return
	}

	http.SetCookie(c.Writer, ch.Cookie)
	c.Redirect(http.StatusFound, ch.RedirectURL)
}

// Callback completes the sign-in and stores the result under ResultKey.
func (h *Handler) Callback(c *gin.Context) {
	res, clear, err := h.flow.Complete(c.Request)
	if clear != nil {
		http.SetCookie(c.Writer, clear)
	}
	if err != nil {
		h.onFailure(c, err)
		return
	}
	c.Set(ResultKey, res)
	h.onAuthenticated(c, res)
}

// ResultFrom returns the sign-in result stored by Callback.
func ResultFrom(c *gin.Context) (*httpauth.Result, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return nil, false
	}
	res, ok := v.(*httpauth.Result)
	return res, ok
}

func redirectToTarget(c *gin.Context, res *httpauth.Result) {
	c.Redirect(http.StatusFound, httpauth.LocalTarget(res.RedirectURI))
}

func writeFailure(c *gin.Context, err error) {
	status, msg := httpauth.FailureStatus(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error":             "sign_in_failed",
		"error_description": msg,
	})
}
