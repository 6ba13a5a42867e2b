// Package guestbook adapts the document store's hierarchical typed-field
// API to the flat record shape the site consumes.
package guestbook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	sitegateway "github.com/mpriddy/site-gateway"
	"github.com/mpriddy/site-gateway/envelope"
	"github.com/mpriddy/site-gateway/telemetry"
)

// maxEntryBody bounds the size of a create request body.
const maxEntryBody = 64 << 10

// Handler serves guestbook listing and creation over HTTP.
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

// NewHandler creates a guestbook handler backed by the given upstream.
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

// List handles GET /guestbook and GET /guestbook/{scope}.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	telemetry.SetBackend(r, "guestbook")
	telemetry.SetEndpoint(r, "guestbook.list")

	records, err := h.upstream.List(r.Context(), scope)
	if err != nil {
		h.logger.Error("listing entries failed", "scope", scope, "error", err)
		envelope.WriteError(w, err)
		return
	}

	envelope.WriteJSON(w, http.StatusOK, records)
}

// entryRequest is the create request body.
type entryRequest struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Create handles POST /guestbook and POST /guestbook/{scope}. Field
// validation happens before any upstream write; a successful write replies
// 201 with the refreshed scope contents.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	telemetry.SetBackend(r, "guestbook")
	telemetry.SetEndpoint(r, "guestbook.create")

	var entry entryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEntryBody)).Decode(&entry); err != nil {
		envelope.WriteError(w, sitegateway.Validationf("request body is not valid JSON"))
		return
	}

	records, err := h.upstream.Create(r.Context(), scope, entry.Name, entry.Message)
	if err != nil {
		var validation *sitegateway.ValidationError
		if !errors.As(err, &validation) {
			h.logger.Error("creating entry failed", "scope", scope, "error", err)
		}
		envelope.WriteError(w, err)
		return
	}

	envelope.WriteJSON(w, http.StatusCreated, records)
}
