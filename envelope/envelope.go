// Package envelope applies the uniform response envelope: CORS headers,
// JSON content type, and error-to-status mapping for every outbound reply.
package envelope

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	sitegateway "github.com/mpriddy/site-gateway"
)

// allowedMethods is advertised on preflight responses.
const allowedMethods = "GET, POST, OPTIONS"

// allowedHeaders is advertised on preflight responses.
const allowedHeaders = "Content-Type"

// CORS injects Access-Control-Allow-Origin on every response and answers
// preflight requests before any route matching. The origin is the wildcard
// except for configured path prefixes, which are pinned to an exact origin
// (used for paths that write to third-party services and must restrict
// their callers).
type CORS struct {
	// RestrictedOrigins maps a path prefix to the single origin allowed to
	// call it. Longest prefix wins.
	RestrictedOrigins map[string]string
}

// Origin returns the Access-Control-Allow-Origin value for a request path.
func (c CORS) Origin(path string) string {
	origin, match := "*", ""
	for prefix, o := range c.RestrictedOrigins {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(match) {
			origin, match = o, prefix
		}
	}
	return origin
}

// Middleware wraps next with CORS header injection and preflight handling.
// OPTIONS requests are answered unconditionally and never reach a handler.
func (c CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", c.Origin(r.URL.Path))

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", allowedMethods)
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteJSON marshals v and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// errorResponse is the stable error envelope shape.
type errorResponse struct {
	Error string `json:"error"`
}

// WriteError maps err to an HTTP status and writes the error envelope.
// Internal details beyond the error message never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, sitegateway.HTTPStatus(err), errorResponse{Error: err.Error()})
}

// WriteErrorMessage writes the error envelope with an explicit status and
// message, for cases where the caller already sanitized the text.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, errorResponse{Error: message})
}

// Recovery converts handler panics into a generic 500 envelope. The panic
// value is logged server-side only.
func Recovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("panic recovered", "panic", v, "path", r.URL.Path)
				WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}
