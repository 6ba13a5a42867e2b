package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/mpriddy/site-gateway/envelope"
)

// adminMiddleware returns middleware that validates Bearer token
// authentication on operational endpoints. When AdminToken is empty, the
// middleware is a no-op.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	if s.config.AdminToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AdminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	envelope.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized")
}
