package endpoint

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAuth enforces bearer authentication on the /v2 surface. The
// presented token is compared in constant time against the configured
// key, or checked against a bcrypt hash when one is set. With neither
// configured the surface is open, for local development only.
func (s *Service) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" && s.cfg.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			httpError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if !s.tokenValid(token) {
			httpError(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) tokenValid(token string) bool {
	if s.cfg.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}
