package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize accepts the request when no token is configured, or when it
// carries the token as a bearer header or a "token" query parameter.
func (s *Server) authorize(r *http.Request) error {
	if s.config.Token == "" {
		return nil
	}
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
