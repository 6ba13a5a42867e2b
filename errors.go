package sitegateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRouteNotFound is returned when no registered route matches a request.
var ErrRouteNotFound = errors.New("route not found")

// maxUpstreamBody limits how much of an upstream error body is retained for
// diagnostics. Bodies are truncated, never dropped entirely.
const maxUpstreamBody = 256

// ValidationError reports malformed or incomplete client input. It always
// maps to HTTP 400 and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Validationf creates a ValidationError with a formatted reason.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a semantic absence from an upstream, such as an
// unknown username. It maps to HTTP 404.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// CredentialError reports a signing or configuration failure in the
// credential minter. It maps to HTTP 500. The message must never contain
// key material or tokens; wrap only operation context.
type CredentialError struct {
	Op  string
	Err error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("credential %s failed", e.Op)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// UpstreamError reports a non-2xx status from a downstream dependency. It
// maps to HTTP 502. Body holds a truncated copy of the upstream error body
// for diagnostics.
type UpstreamError struct {
	Status int
	Body   string
}

// NewUpstreamError creates an UpstreamError, truncating the body.
func NewUpstreamError(status int, body []byte) *UpstreamError {
	if len(body) > maxUpstreamBody {
		body = body[:maxUpstreamBody]
	}
	return &UpstreamError{Status: status, Body: string(body)}
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Status)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// HTTPStatus maps an error to the HTTP status code of the response envelope.
// Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		credential *CredentialError
		upstream   *UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRouteNotFound), errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &credential):
		return http.StatusInternalServerError
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
