// Package telemetry provides request tagging for structured logging and
// metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for the request tags holder.
	requestTagsKey contextKey = "request_tags"
	// backendKey is the context key for propagating the backend name to
	// background goroutines that outlive the request context.
	backendKey contextKey = "backend"
)

// CacheResult represents the outcome of an edge cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for
// logging and metrics.
type RequestTags struct {
	Backend     string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil outside a request that passed through the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging and metrics.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetBackend sets the upstream backend tag (e.g. "guestbook", "repohost",
// "origin").
func SetBackend(r *http.Request, backend string) {
	if tags := GetTags(r); tags != nil {
		tags.Backend = backend
	}
}

// SetEndpoint sets the endpoint tag for the detail metric.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// BackendFromContext retrieves the backend name from a context. It checks
// both background contexts (set by WithBackendContext) and request contexts.
func BackendFromContext(ctx context.Context) string {
	if b, ok := ctx.Value(backendKey).(string); ok && b != "" {
		return b
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Backend
	}
	return ""
}

// WithBackendContext returns a context with the backend name stored. Use
// this to propagate the backend into goroutines that outlive the request.
func WithBackendContext(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, backendKey, backend)
}
