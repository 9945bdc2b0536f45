package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-esia/pkg/correlation"
	"github.com/jeremyhahn/go-esia/pkg/esia"
	"github.com/jeremyhahn/go-esia/pkg/httpauth"
	"github.com/jeremyhahn/go-esia/pkg/metrics"
)

const sessionCookie = "esia.session"

type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

type server struct {
	cfg      Config
	router   *chi.Mux
	logger   *slog.Logger
	flow     *httpauth.Flow
	sessions correlation.Protector
	store    correlation.Store
}

func newServer(cfg Config, logger *slog.Logger, client *esia.Client, key []byte, store correlation.Store, recorder metrics.Recorder) (*server, error) {
	state, err := correlation.NewAEADProtector(key, correlation.WithMaxAge(cfg.CorrelationTTL))
	if err != nil {
		return nil, fmt.Errorf("creating state protector: %w", err)
	}
	sessions, err := correlation.NewAEADProtector(key, correlation.WithMaxAge(cfg.SessionTTL))
	if err != nil {
		return nil, fmt.Errorf("creating session protector: %w", err)
	}

	opts := []httpauth.Option{
		httpauth.WithStore(store),
		httpauth.WithCorrelationTTL(cfg.CorrelationTTL),
		httpauth.WithVerifyTokenSignature(cfg.VerifyTokens),
		httpauth.WithLogger(logger),
		httpauth.WithRecorder(recorder),
	}
	if cfg.InsecureCookies {
		opts = append(opts, httpauth.WithInsecureCookie())
	}
	flow, err := httpauth.NewFlow(client, state, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sign-in flow: %w", err)
	}

	srv := &server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		logger:   logger,
		flow:     flow,
		sessions: sessions,
		store:    store,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.Timeout(30 * time.Second))

	srv.routes()
	return srv, nil
}

func (s *server) routes() {
	s.router.Get("/health", s.handleHealth())
	if s.cfg.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	auth := httpauth.NewHandler(s.flow, httpauth.OnAuthenticated(s.startSession))
	s.router.Get("/login", auth.Challenge)
	s.router.Get(s.flow.CallbackPath(), auth.Callback)

	s.router.Get("/me", s.handleMe())
	s.router.Post("/logout", s.handleLogout())
}

func (s *server) handleHealth() http.HandlerFunc {
	type healthResponse struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Version: Version,
		}
		status := http.StatusOK

		if hc, ok := s.store.(healthChecker); ok {
			if err := hc.CheckHealth(r.Context()); err != nil {
				s.logger.WarnContext(r.Context(), "health check failed", "error", err)
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, status, resp)
	}
}

// startSession seals the identity into a cookie and returns to the requested page.
func (s *server) startSession(w http.ResponseWriter, r *http.Request, res *httpauth.Result) {
	props, err := correlation.New("")
	if err != nil {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	props.Items = map[string]string{
		"sbj_id":  res.Identity.SubjectID,
		"name":    res.Identity.Name,
		"email":   res.Identity.Email,
		"trusted": fmt.Sprint(res.Identity.Trusted),
		"sid":     res.Token.SessionID,
	}

	value, err := s.sessions.Protect(props)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "sealing session failed", "error", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   !s.cfg.InsecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, httpauth.LocalTarget(res.RedirectURI), http.StatusFound)
}

func (s *server) handleMe() http.HandlerFunc {
	type meResponse struct {
		SubjectID string `json:"sbj_id"`
		Name      string `json:"name,omitempty"`
		Email     string `json:"email,omitempty"`
		Trusted   bool   `json:"trusted"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			http.Error(w, "not signed in", http.StatusUnauthorized)
			return
		}
		props, err := s.sessions.Unprotect(c.Value)
		if err != nil {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}

		writeJSON(w, http.StatusOK, meResponse{
			SubjectID: props.Items["sbj_id"],
			Name:      props.Items["name"],
			Email:     props.Items["email"],
			Trusted:   props.Items["trusted"] == "true",
		})
	}
}

func (s *server) handleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   !s.cfg.InsecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response", "error", err)
	}
}
