package sitegateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validationf("name is required"), http.StatusBadRequest},
		{"not found", &NotFoundError{Resource: "user octocat"}, http.StatusNotFound},
		{"route not found", ErrRouteNotFound, http.StatusNotFound},
		{"credential", &CredentialError{Op: "sign"}, http.StatusInternalServerError},
		{"upstream", NewUpstreamError(503, []byte("nope")), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestHTTPStatusWrapped(t *testing.T) {
	err := fmt.Errorf("listing entries: %w", NewUpstreamError(500, nil))
	require.Equal(t, http.StatusBadGateway, HTTPStatus(err))

	err = fmt.Errorf("routing: %w", ErrRouteNotFound)
	require.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestUpstreamErrorTruncatesBody(t *testing.T) {
	body := strings.Repeat("x", maxUpstreamBody*2)
	err := NewUpstreamError(500, []byte(body))
	require.Len(t, err.Body, maxUpstreamBody)
}

func TestCredentialErrorUnwrap(t *testing.T) {
	inner := errors.New("token endpoint rejected assertion")
	err := &CredentialError{Op: "exchange", Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "exchange")
}

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{Resource: "user octocat"}
	require.Equal(t, "user octocat not found", err.Error())
}
