package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSigningKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// newUpstreamFixture serves the token endpoint, a document store listing,
// and the repository host from one mux.
func newUpstreamFixture(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "fixture-token", "expires_in": 3600}`))
	})
	mux.HandleFunc("GET /store/projects/{project}/databases/{db}/documents/guestbook", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fixture-token" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"documents": [
				{
					"name": "projects/p/databases/(default)/documents/guestbook/abc",
					"fields": {
						"name": {"stringValue": "Ada"},
						"message": {"stringValue": "hello"},
						"timestamp": {"timestampValue": "2026-01-02T03:04:05Z"}
					}
				}
			]
		}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	fixture := newUpstreamFixture(t)
	cfg := Config{
		ServiceIdentity:    "gateway@example.test",
		SigningKeyPEM:      testSigningKeyPEM(t),
		ProjectID:          "p",
		RepoHostToken:      "host-token",
		TokenAudienceURL:   fixture.URL + "/token",
		DocumentStoreURL:   fixture.URL + "/store",
		RepoHostGraphQLURL: fixture.URL + "/graphql",
		RepoHostRESTURL:    fixture.URL,
		RestrictedOrigins:  map[string]string{"/guestbook": "https://example.com"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.origin.Close() })
	return srv
}

func do(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestCORSOnEveryResponse(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/health", "/no-such-route", "/repo-data"} {
		rec := do(srv, http.MethodGet, path)
		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), path)
	}
}

func TestCORSRestrictedPrefix(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/guestbook")
	require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightNeverRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	// Even a path with no registered route is answered.
	for _, path := range []string{"/guestbook", "/no-such-route"} {
		rec := do(srv, http.MethodOptions, path)
		require.Equal(t, http.StatusNoContent, rec.Code, path)
		require.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"), path)
		require.Empty(t, rec.Body.String(), path)
	}
}

func TestUnknownRouteEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/no-such-route")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["error"])
}

func TestGuestbookThroughFullStack(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/guestbook")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, "abc", records[0].ID)
	require.Equal(t, "Ada", records[0].Name)
	require.Equal(t, "hello", records[0].Message)
}

func TestRepoDataValidationThroughStack(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/repo-data?endpoint=stats")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "error")
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "memory", body["cache_backend"])
}

func TestAdminTokenGuardsStats(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.AdminToken = "admin-secret"
	})

	rec := do(srv, http.MethodGet, "/stats")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	authed := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	srv.Handler().ServeHTTP(authed, req)
	require.Equal(t, http.StatusOK, authed.Code)

	// Health stays reachable without the token.
	require.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/health").Code)
}

func TestMissingSigningKeyRejected(t *testing.T) {
	_, err := New(Config{
		ServiceIdentity:  "gateway@example.test",
		SigningKeyPEM:    "not a key",
		ProjectID:        "p",
		RepoHostToken:    "host-token",
		TokenAudienceURL: "https://auth.example.test/token",
	})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "token minter"))
}
