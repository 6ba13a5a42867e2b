// Package repohost aggregates a repository hosting service's GraphQL and
// REST APIs into the handful of read-only views the site renders.
package repohost

import (
	"errors"
	"log/slog"
	"net/http"

	sitegateway "github.com/mpriddy/site-gateway"
	"github.com/mpriddy/site-gateway/envelope"
	"github.com/mpriddy/site-gateway/telemetry"
)

// Cache lifetimes are expressed as response directives only; the edge
// network in front of the gateway does the actual storing.
const (
	statsCacheControl       = "public, max-age=43200"
	pinnedCacheControl      = "public, max-age=3600"
	passthroughCacheControl = "public, max-age=3600"
)

// Handler serves GET /repo-data, dispatching on the endpoint query parameter.
type Handler struct {
	upstream *Upstream
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a repo-data handler backed by the given upstream.
func NewHandler(upstream *Upstream, opts ...HandlerOption) *Handler {
	h := &Handler{
		upstream: upstream,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RepoData handles GET /repo-data?username=...&endpoint=....
func (h *Handler) RepoData(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	endpoint := r.URL.Query().Get("endpoint")
	telemetry.SetBackend(r, "repohost")
	telemetry.SetEndpoint(r, "repohost."+endpoint)

	if username == "" {
		envelope.WriteError(w, sitegateway.Validationf("username is required"))
		return
	}

	switch endpoint {
	case "stats":
		h.stats(w, r, username)
	case "pinned":
		h.pinned(w, r, username)
	case "repos", "events":
		h.passthrough(w, r, username, endpoint)
	case "":
		envelope.WriteError(w, sitegateway.Validationf("endpoint is required"))
	default:
		envelope.WriteError(w, sitegateway.Validationf("unknown endpoint %q", endpoint))
	}
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, username string) {
	stats, err := h.upstream.UserStats(r.Context(), username)
	if err != nil {
		h.report("user stats", username, err)
		envelope.WriteError(w, err)
		return
	}

	w.Header().Set("Cache-Control", statsCacheControl)
	envelope.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) pinned(w http.ResponseWriter, r *http.Request, username string) {
	repos, err := h.upstream.PinnedRepos(r.Context(), username)
	if err != nil {
		h.report("pinned repos", username, err)
		envelope.WriteError(w, err)
		return
	}

	w.Header().Set("Cache-Control", pinnedCacheControl)
	envelope.WriteJSON(w, http.StatusOK, repos)
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, username, sub string) {
	body, err := h.upstream.Passthrough(r.Context(), username, sub)
	if err != nil {
		h.report(sub, username, err)
		envelope.WriteError(w, err)
		return
	}

	w.Header().Set("Cache-Control", passthroughCacheControl)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// report logs upstream failures. Missing users are an expected outcome and
// stay out of the error log.
func (h *Handler) report(what, username string, err error) {
	var notFound *sitegateway.NotFoundError
	if errors.As(err, &notFound) {
		return
	}
	h.logger.Error("fetching "+what+" failed", "username", username, "error", err)
}
