package origin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpriddy/site-gateway/cache"
)

func newOriginServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func proxyRequest(handler *Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cache-proxy?target="+url.QueryEscape(target), nil)
	handler.Proxy(rec, req)
	return rec
}

func TestProxyMissThenHit(t *testing.T) {
	var hits atomic.Int64
	srv := newOriginServer(t, &hits)

	handler := NewHandler(cache.NewMemoryStore(), WithHTTPClient(srv.Client()))

	first := proxyRequest(handler, srv.URL+"/resource")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "MISS", first.Header().Get("X-Cache-Status"))
	require.Equal(t, "application/json", first.Header().Get("Content-Type"))

	// The cache write runs in the background; Close waits for it to land.
	handler.Close()

	second := proxyRequest(handler, srv.URL+"/resource")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "HIT", second.Header().Get("X-Cache-Status"))
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	require.Equal(t, "application/json", second.Header().Get("Content-Type"))

	require.Equal(t, int64(1), hits.Load())
}

func TestProxyHopByHopHeadersNotReplayed(t *testing.T) {
	var hits atomic.Int64
	srv := newOriginServer(t, &hits)

	handler := NewHandler(cache.NewMemoryStore(), WithHTTPClient(srv.Client()))

	_ = proxyRequest(handler, srv.URL+"/resource")
	handler.Close()

	hit := proxyRequest(handler, srv.URL+"/resource")
	require.Equal(t, "HIT", hit.Header().Get("X-Cache-Status"))
	require.Empty(t, hit.Header().Get("Connection"))
}

func TestProxyDistinctTargetsDistinctEntries(t *testing.T) {
	var hits atomic.Int64
	srv := newOriginServer(t, &hits)

	handler := NewHandler(cache.NewMemoryStore(), WithHTTPClient(srv.Client()))

	_ = proxyRequest(handler, srv.URL+"/one")
	_ = proxyRequest(handler, srv.URL+"/two")
	handler.Close()

	require.Equal(t, int64(2), hits.Load())
}

func TestProxyValidation(t *testing.T) {
	handler := NewHandler(cache.NewMemoryStore())
	defer handler.Close()

	tests := map[string]string{
		"missing target":  "",
		"relative target": "/etc/passwd",
		"bad scheme":      "ftp://example.com/file",
		"no host":         "https:///path",
	}

	for name, target := range tests {
		t.Run(name, func(t *testing.T) {
			rec := proxyRequest(handler, target)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestProxyOriginErrorNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "origin exploded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	store := cache.NewMemoryStore()
	handler := NewHandler(store, WithHTTPClient(srv.Client()))

	rec := proxyRequest(handler, srv.URL+"/broken")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	handler.Close()
	require.Zero(t, store.Len())
}
