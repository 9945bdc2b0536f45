package signature

import (
	"encoding/base64"
	"log/slog"
	"net/http"
)

// Handler exposes a Provider over HTTP in the format Remote speaks. It lets
// signing keys live on a dedicated host while relying parties stay keyless.
//
// Handler performs no authentication: any peer that can reach it gets a
// signature from the client key over any message. Bind it to loopback or a
// private network, or serve it behind mutual TLS.
type Handler struct {
	provider Provider
	logger   *slog.Logger
}

// NewHandler wraps provider.
func NewHandler(provider Provider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{provider: provider, logger: logger}
}

// ServeHTTP routes /sign and /verify.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/sign":
		h.sign(w, r)
	case "/verify":
		h.verify(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	message, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("msg"))
	if err != nil {
		http.Error(w, "msg must be base64", http.StatusBadRequest)
		return
	}
	sig, err := h.provider.Sign(r.Context(), message)
	if err != nil {
		h.logger.Error("sign failed", "error", err)
		http.Error(w, "sign failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(base64.StdEncoding.EncodeToString(sig)))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	message, err := base64.StdEncoding.DecodeString(r.PostForm.Get("Message"))
	if err != nil {
		http.Error(w, "Message must be base64", http.StatusBadRequest)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(r.PostForm.Get("Signature"))
	if err != nil {
		http.Error(w, "Signature must be base64", http.StatusBadRequest)
		return
	}

	result := "false"
	if h.provider.Verify(r.Context(), r.PostForm.Get("Alg"), message, sig) {
		result = "true"
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(result))
}
