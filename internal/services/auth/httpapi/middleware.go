package httpapi

import (
	"net/http"
	"strings"

	"github.com/louisbranch/authbroker/internal/platform/requestctx"
)

// RequireBearer rejects requests without a valid broker access token and
// stores the authenticated user id on the request context, where
// requestctx.UserIDFromContext reads it.
func (s *Server) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.broker.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithUserID(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
