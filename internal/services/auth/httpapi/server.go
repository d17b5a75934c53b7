// Package httpapi exposes the broker's login, refresh, profile and logout
// endpoints over HTTP and provides bearer middleware for protected APIs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
	"github.com/louisbranch/authbroker/internal/platform/logging"
	"github.com/louisbranch/authbroker/internal/services/auth/broker"
	"github.com/louisbranch/authbroker/internal/services/auth/credential"
	"github.com/louisbranch/authbroker/internal/services/auth/user"
)

const (
	// CorrelationCookie holds the one-shot login correlation token.
	CorrelationCookie = "authbroker_correlation"
	// RefreshCookie holds the refresh token.
	RefreshCookie = "authbroker_refresh"

	cookiePath = "/auth"
)

// Broker is the orchestrator surface the handlers depend on.
type Broker interface {
	Login(ctx context.Context) (broker.LoginResult, error)
	Callback(ctx context.Context, in broker.CallbackInput) (credential.Pair, error)
	Refresh(ctx context.Context, refreshToken string) (credential.Pair, error)
	Authenticate(ctx context.Context, accessToken string) (string, error)
	GetAuthenticatedUser(ctx context.Context, accessToken string) (user.User, error)
	LinkedAccounts(ctx context.Context, userID string) ([]user.LinkedAccount, error)
	Logout(ctx context.Context) (string, error)
	LogoutCallback() string
}

// Config wires a Server.
type Config struct {
	Broker Broker
	// CookieSecure marks cookies Secure; enable behind HTTPS.
	CookieSecure bool
	CookieDomain string
	Logger       hclog.Logger
	Now          func() time.Time
}

// Server serves the broker HTTP endpoints.
type Server struct {
	broker       Broker
	cookieSecure bool
	cookieDomain string
	logger       hclog.Logger
	now          func() time.Time
}

// NewServer returns a Server for cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		broker:       cfg.Broker,
		cookieSecure: cfg.CookieSecure,
		cookieDomain: cfg.CookieDomain,
		logger:       logging.OrDiscard(cfg.Logger).Named("http"),
		now:          now,
	}, nil
}

// RegisterRoutes mounts the broker endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /auth/login", s.handleLogin)
	mux.HandleFunc("GET /auth/callback", s.handleCallback)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.Handle("GET /auth/me", s.RequireBearer(http.HandlerFunc(s.handleMe)))
	mux.HandleFunc("GET /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/logout/callback", s.handleLogoutCallback)
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders the generic category for err. Detail stays in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := apperrors.Public(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
