package sweep

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Runner is what the trigger endpoint needs from the sweeper.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// Handler exposes the sweep as an authenticated POST trigger for an external
// scheduler (cron hitting the endpoint). Auth is a shared bearer secret
// compared in constant time, or an admin token when a verifier is wired in.
type Handler struct {
	sweeper     Runner
	secret      string
	appEnv      string
	verifyAdmin func(token string) bool
	log         zerolog.Logger
}

func NewHandler(sweeper Runner, secret, appEnv string, log zerolog.Logger) *Handler {
	return &Handler{
		sweeper: sweeper,
		secret:  secret,
		appEnv:  appEnv,
		log:     log.With().Str("component", "sweep_handler").Logger(),
	}
}

// WithAdminTokens lets bearer tokens the verifier accepts (admin JWTs) trigger
// the sweep in addition to the shared secret.
func (h *Handler) WithAdminTokens(verify func(token string) bool) *Handler {
	h.verifyAdmin = verify
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// No credentials configured at all: refuse rather than run an open
	// money-moving endpoint. The test environment is the one exception.
	if h.secret == "" && h.verifyAdmin == nil && h.appEnv != "test" {
		http.Error(w, "sweep secret not configured", http.StatusServiceUnavailable)
		return
	}
	if !h.authorized(r) {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("sweep trigger rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := h.sweeper.Run(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("sweep run failed")
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

func (h *Handler) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return h.secret == "" && h.verifyAdmin == nil && h.appEnv == "test"
	}
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1 {
		return true
	}
	return h.verifyAdmin != nil && h.verifyAdmin(token)
}
