// Package server wires the gateway's adapters behind one HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	sitegateway "github.com/mpriddy/site-gateway"
	"github.com/mpriddy/site-gateway/cache"
	"github.com/mpriddy/site-gateway/envelope"
	"github.com/mpriddy/site-gateway/protocol/guestbook"
	"github.com/mpriddy/site-gateway/protocol/origin"
	"github.com/mpriddy/site-gateway/protocol/repohost"
	"github.com/mpriddy/site-gateway/telemetry"
	"github.com/mpriddy/site-gateway/token"
)

const (
	// DefaultTokenAudienceURL is the authorization server's token endpoint.
	DefaultTokenAudienceURL = "https://oauth2.googleapis.com/token"

	// DefaultTokenScope is the scope requested for document store access.
	DefaultTokenScope = "https://www.googleapis.com/auth/datastore"
)

// Config holds server configuration. Secret values arrive here already
// resolved; the server never reads the environment itself.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ServiceIdentity is the service account email used as the JWT issuer.
	ServiceIdentity string

	// SigningKeyPEM is the PEM-encoded PKCS#8 RSA signing key.
	SigningKeyPEM string

	// ProjectID identifies the document store project.
	ProjectID string

	// RepoHostToken authenticates against the repository hosting API.
	RepoHostToken string

	// RestrictedOrigins maps path prefixes to the single origin allowed to
	// call them. Unlisted paths are served with a wildcard origin.
	RestrictedOrigins map[string]string

	// TokenAudienceURL overrides the token endpoint (for tests).
	TokenAudienceURL string

	// TokenScope overrides the requested scope.
	TokenScope string

	// DocumentStoreURL overrides the document store API root (for tests).
	DocumentStoreURL string

	// RepoHostGraphQLURL overrides the GraphQL endpoint (for tests).
	RepoHostGraphQLURL string

	// RepoHostRESTURL overrides the REST API root (for tests).
	RepoHostRESTURL string

	// CachePath is the bbolt file backing the edge cache. Empty selects the
	// in-memory store.
	CachePath string

	// CacheSweepInterval is how often expired cache entries are purged.
	// Default is 1 hour.
	CacheSweepInterval time.Duration

	// AdminToken protects the stats and metrics endpoints when set.
	AdminToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the gateway's HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	minter    *token.Minter
	store     cache.Store
	sweeper   *cache.Sweeper
	guestbook *guestbook.Handler
	repohost  *repohost.Handler
	origin    *origin.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.TokenAudienceURL == "" {
		cfg.TokenAudienceURL = DefaultTokenAudienceURL
	}
	if cfg.TokenScope == "" {
		cfg.TokenScope = DefaultTokenScope
	}

	// The minter is shared by every adapter that signs upstream requests.
	minter, err := token.NewMinter(token.ServiceCredential{
		Issuer:        cfg.ServiceIdentity,
		SigningKeyPEM: cfg.SigningKeyPEM,
		AudienceURL:   cfg.TokenAudienceURL,
		Scope:         cfg.TokenScope,
	}, token.WithLogger(cfg.Logger.With("component", "token")))
	if err != nil {
		return nil, fmt.Errorf("creating token minter: %w", err)
	}

	// Edge cache: persistent when a path is configured, memory otherwise.
	var store cache.Store
	if cfg.CachePath != "" {
		boltStore, err := cache.OpenBoltStore(cfg.CachePath,
			cache.WithBoltLogger(cfg.Logger.With("component", "cache")))
		if err != nil {
			return nil, fmt.Errorf("opening cache store: %w", err)
		}
		store = boltStore
	} else {
		store = cache.NewMemoryStore()
	}

	sweeper := cache.NewSweeper(store, cache.SweeperConfig{
		Interval: cfg.CacheSweepInterval,
		Logger:   cfg.Logger.With("component", "sweeper"),
	})

	// Initialize guestbook components
	guestbookUpstreamOpts := []guestbook.UpstreamOption{
		guestbook.WithUpstreamLogger(cfg.Logger.With("component", "guestbook")),
	}
	if cfg.DocumentStoreURL != "" {
		guestbookUpstreamOpts = append(guestbookUpstreamOpts, guestbook.WithBaseURL(cfg.DocumentStoreURL))
	}
	guestbookUpstream := guestbook.NewUpstream(cfg.ProjectID, minter, guestbookUpstreamOpts...)
	guestbookHandler := guestbook.NewHandler(
		guestbookUpstream,
		guestbook.WithLogger(cfg.Logger.With("component", "guestbook")),
	)

	// Initialize repo host components
	repohostUpstreamOpts := []repohost.UpstreamOption{
		repohost.WithUpstreamLogger(cfg.Logger.With("component", "repohost")),
	}
	if cfg.RepoHostGraphQLURL != "" {
		repohostUpstreamOpts = append(repohostUpstreamOpts, repohost.WithGraphQLURL(cfg.RepoHostGraphQLURL))
	}
	if cfg.RepoHostRESTURL != "" {
		repohostUpstreamOpts = append(repohostUpstreamOpts, repohost.WithRESTBaseURL(cfg.RepoHostRESTURL))
	}
	repohostUpstream := repohost.NewUpstream(cfg.RepoHostToken, repohostUpstreamOpts...)
	repohostHandler := repohost.NewHandler(
		repohostUpstream,
		repohost.WithLogger(cfg.Logger.With("component", "repohost")),
	)

	// Initialize origin proxy
	originHandler := origin.NewHandler(store,
		origin.WithLogger(cfg.Logger.With("component", "origin")))

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		minter:    minter,
		store:     store,
		sweeper:   sweeper,
		guestbook: guestbookHandler,
		repohost:  repohostHandler,
		origin:    originHandler,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	cors := envelope.CORS{RestrictedOrigins: cfg.RestrictedOrigins}
	handler := envelope.Recovery(cfg.Logger, mux)
	handler = cors.Middleware(handler)
	handler = s.loggingMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the static route table. Anything unmatched falls
// through to the JSON not-found envelope.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.Handle("GET /stats", s.adminMiddleware(http.HandlerFunc(s.handleStats)))

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", s.adminMiddleware(telemetry.PrometheusHandler()))

	// Guestbook endpoints, flat and per-scope
	mux.HandleFunc("GET /guestbook", s.guestbook.List)
	mux.HandleFunc("POST /guestbook", s.guestbook.Create)
	mux.HandleFunc("GET /guestbook/{scope}", s.guestbook.List)
	mux.HandleFunc("POST /guestbook/{scope}", s.guestbook.Create)

	// Repository host aggregation and passthrough
	mux.HandleFunc("GET /repo-data", s.repohost.RepoData)

	// Generic origin cache proxy
	mux.HandleFunc("GET /cache-proxy", s.origin.Proxy)

	mux.HandleFunc("/", s.handleNotFound)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports edge cache occupancy.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type stats struct {
		CacheBackend string `json:"cache_backend"`
		CacheEntries int    `json:"cache_entries"`
	}

	out := stats{CacheBackend: "memory", CacheEntries: -1}
	if s.config.CachePath != "" {
		out.CacheBackend = "bolt"
	}
	if counter, ok := s.store.(interface{ Len() int }); ok {
		out.CacheEntries = counter.Len()
	}

	envelope.WriteJSON(w, http.StatusOK, out)
}

// handleNotFound is the fallback for unregistered routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	envelope.WriteError(w, sitegateway.ErrRouteNotFound)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Backend != "" {
			attrs = append(attrs, "backend", tags.Backend)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.sweeper.Start(context.Background())

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Pending background cache
// writes are waited on so a response served as a miss is never lost.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.origin.Close()
	s.sweeper.Stop()
	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler exposes the composed middleware stack for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
