package httpapi

import (
	"net/http"
	"time"

	"github.com/louisbranch/authbroker/internal/services/auth/broker"
	"github.com/louisbranch/authbroker/internal/services/auth/credential"
	"github.com/louisbranch/authbroker/internal/services/auth/user"
)

type logoutResponse struct {
	LogoutURL string `json:"logout_url"`
}

type linkedAccountResponse struct {
	Provider   string    `json:"provider"`
	Subject    string    `json:"subject"`
	LinkedAt   time.Time `json:"linked_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type meResponse struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Email          string                  `json:"email"`
	Picture        string                  `json:"picture,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	LastSeenAt     time.Time               `json:"last_seen_at"`
	LinkedAccounts []linkedAccountResponse `json:"linked_accounts"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	result, err := s.broker.Login(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setCookie(w, CorrelationCookie, result.Correlation, result.ExpiresAt)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	correlationValue := cookieValue(r, CorrelationCookie)
	// Single use: the cookie goes away whatever the outcome.
	s.clearCookie(w, CorrelationCookie)

	q := r.URL.Query()
	pair, err := s.broker.Callback(r.Context(), broker.CallbackInput{
		Code:                     q.Get("code"),
		State:                    q.Get("state"),
		Correlation:              correlationValue,
		ProviderError:            q.Get("error"),
		ProviderErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePair(w, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	pair, err := s.broker.Refresh(r.Context(), cookieValue(r, RefreshCookie))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePair(w, pair)
}

func (s *Server) writePair(w http.ResponseWriter, pair credential.Pair) {
	s.setCookie(w, RefreshCookie, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.broker.GetAuthenticatedUser(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accounts, err := s.broker.LinkedAccounts(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMeResponse(u, accounts))
}

func newMeResponse(u user.User, accounts []user.LinkedAccount) meResponse {
	resp := meResponse{
		ID:             u.ID,
		Name:           u.DisplayName,
		Email:          u.Email,
		Picture:        u.Picture,
		CreatedAt:      u.CreatedAt,
		LastSeenAt:     u.LastSeenAt,
		LinkedAccounts: make([]linkedAccountResponse, 0, len(accounts)),
	}
	for _, account := range accounts {
		resp.LinkedAccounts = append(resp.LinkedAccounts, linkedAccountResponse{
			Provider:   account.Provider,
			Subject:    account.Subject,
			LinkedAt:   account.CreatedAt,
			LastUsedAt: account.LastUsedAt,
		})
	}
	return resp
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	logoutURL, err := s.broker.Logout(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logoutResponse{LogoutURL: logoutURL})
}

func (s *Server) handleLogoutCallback(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w, RefreshCookie)
	http.Redirect(w, r, s.broker.LogoutCallback(), http.StatusFound)
}
