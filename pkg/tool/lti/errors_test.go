package lti

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesReason(t *testing.T) {
	err := fmt.Errorf("launch: %w", Errorf(ReasonTokenExpired, "exp %d", 10))

	assert.True(t, errors.Is(err, ErrTokenExpired))
	assert.False(t, errors.Is(err, ErrNonceMismatch))
	assert.Equal(t, ReasonTokenExpired, ReasonOf(err))
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ReasonInternal, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "internal")
	assert.Contains(t, err.Error(), "boom")
}

func TestReasonOfUnclassified(t *testing.T) {
	assert.Equal(t, ReasonInternal, ReasonOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"plain", errors.New("x"), http.StatusInternalServerError},
		{"missing body", ErrMissingBody, http.StatusBadRequest},
		{"unsupported platform", ErrUnsupportedPlatform, http.StatusBadRequest},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"state", ErrUnknownOrExpiredState, http.StatusUnauthorized},
		{"alg", ErrUnsupportedAlgorithm, http.StatusUnauthorized},
		{"deployment", ErrDeploymentMismatch, http.StatusUnauthorized},
		{"upstream 403", &Error{Reason: ReasonDiscoveryFetchFailed, UpstreamStatus: 403}, http.StatusForbidden},
		{"upstream 500", &Error{Reason: ReasonDiscoveryFetchFailed, UpstreamStatus: 500}, http.StatusBadGateway},
		{"network", &Error{Reason: ReasonDiscoveryFetchFailed}, http.StatusBadGateway},
		{"timeout", &Error{Reason: ReasonDiscoveryFetchFailed, Timeout: true}, http.StatusGatewayTimeout},
		{"malformed discovery", ErrMalformedDiscoveryDocument, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestIsVerificationFailure(t *testing.T) {
	assert.True(t, IsVerificationFailure(ErrInvalidSignature))
	assert.False(t, IsVerificationFailure(ErrMalformedPayload))
}
