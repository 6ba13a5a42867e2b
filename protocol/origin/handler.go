// Package origin is a fetch-and-cache passthrough for arbitrary HTTP
// resources, fronting slow or rate-limited origins with the edge cache.
package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	sitegateway "github.com/mpriddy/site-gateway"
	"github.com/mpriddy/site-gateway/cache"
	"github.com/mpriddy/site-gateway/envelope"
	"github.com/mpriddy/site-gateway/telemetry"
)

const (
	// DefaultTimeout is the default timeout for origin fetches.
	DefaultTimeout = 30 * time.Second

	// cacheTimeout is the maximum time allowed for background caching
	// operations.
	cacheTimeout = 1 * time.Minute

	// cacheStatusHeader tells the caller whether the edge cache answered.
	cacheStatusHeader = "X-Cache-Status"
)

// hopByHopHeaders are connection-level headers that must not be replayed
// from the cache.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler serves GET /cache-proxy?target=..., answering from the edge cache
// when it can and filling it in the background when it cannot.
type Handler struct {
	store  cache.Store
	client *http.Client
	logger *slog.Logger

	// Lifecycle management for background cache writes.
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HandlerOption {
	return func(h *Handler) {
		h.client = client
	}
}

// NewHandler creates a cache proxy handler backed by the given store.
func NewHandler(store cache.Store, opts ...HandlerOption) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		store: store,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "origin"),
		},
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close shuts down the handler and waits for pending cache writes to land.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// Proxy handles GET /cache-proxy?target=....
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "origin.proxy")
	telemetry.SetBackend(r, "origin")

	target := r.URL.Query().Get("target")
	if err := validateTarget(target); err != nil {
		envelope.WriteError(w, err)
		return
	}

	key := sitegateway.ResourceKey(target)
	logger := h.logger.With("key", key.ShortString())

	entry, ok, err := h.store.Get(r.Context(), key)
	if err != nil {
		// A broken store read degrades to a miss rather than failing the
		// request.
		logger.Error("cache read failed", "error", err)
	}
	if ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		writeEntry(w, entry)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	h.fetchAndReply(w, r, target, key, logger)
}

// fetchAndReply fetches the target, replies immediately, and persists the
// response from a tracked goroutine so the client never waits on the write.
func (h *Handler) fetchAndReply(w http.ResponseWriter, r *http.Request, target string, key sitegateway.Key, logger *slog.Logger) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		envelope.WriteError(w, sitegateway.Validationf("target is not a usable URL"))
		return
	}

	resp, err := h.client.Do(req)
	if err != nil {
		logger.Error("origin fetch failed", "error", err)
		envelope.WriteError(w, fmt.Errorf("fetching origin: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("origin read failed", "error", err)
		envelope.WriteError(w, fmt.Errorf("reading origin response: %w", err))
		return
	}

	if resp.StatusCode != http.StatusOK {
		envelope.WriteError(w, sitegateway.NewUpstreamError(resp.StatusCode, body))
		return
	}

	header := storableHeader(resp.Header)

	copyHeader(w.Header(), header)
	w.Header().Set(cacheStatusHeader, "MISS")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logger.Error("failed to write response", "error", err)
	}

	// Cache asynchronously with proper lifecycle management. Origin cache
	// directives are ignored; the entry lives for the store's default TTL.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		cacheCtx, cancel := context.WithTimeout(h.ctx, cacheTimeout)
		defer cancel()
		cacheCtx = telemetry.WithBackendContext(cacheCtx, "origin")

		entry := &cache.Entry{
			Key:      key,
			Body:     body,
			Header:   header,
			StoredAt: time.Now(),
			TTL:      cache.DefaultTTL,
		}
		if err := h.store.Put(cacheCtx, entry); err != nil {
			logger.Error("failed to cache response", "error", err)
			telemetry.RecordCacheWrite(cacheCtx, "error", 0)
			return
		}
		logger.Debug("cached response", "bytes", len(body))
		telemetry.RecordCacheWrite(cacheCtx, "success", int64(len(body)))
	}()
}

// validateTarget rejects anything but an absolute http(s) URL before any
// network activity happens.
func validateTarget(target string) error {
	if target == "" {
		return sitegateway.Validationf("target is required")
	}
	u, err := url.Parse(target)
	if err != nil {
		return sitegateway.Validationf("target is not a valid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return sitegateway.Validationf("target must be an absolute http or https URL")
	}
	return nil
}

// writeEntry replays a cached response.
func writeEntry(w http.ResponseWriter, entry *cache.Entry) {
	copyHeader(w.Header(), entry.Header)
	w.Header().Set(cacheStatusHeader, "HIT")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Body)
}

// storableHeader copies a response header, dropping hop-by-hop fields.
func storableHeader(src http.Header) http.Header {
	dst := src.Clone()
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
	return dst
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
