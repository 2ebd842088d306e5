package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Validation.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, Conflict.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, CapacityExceeded.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, UpstreamUnavailable.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Transient.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Fatal.HTTPStatus())
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(UpstreamUnavailable, "VENDOR_DOWN", "telephony request failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, UpstreamUnavailable, KindOf(err))
	assert.Equal(t, "VENDOR_DOWN", CodeOf(err))

	// Still recognized through further wrapping
	outer := fmt.Errorf("dialing contact: %w", err)
	assert.True(t, IsKind(outer, UpstreamUnavailable))
	assert.Equal(t, "VENDOR_DOWN", CodeOf(outer))
}

func TestUntaggedErrorDefaults(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, Fatal, KindOf(err))
	assert.Empty(t, CodeOf(err))
	assert.False(t, IsKind(err, Validation))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Transient, "X", "x")))
	assert.True(t, Retryable(New(CapacityExceeded, "X", "x")))
	assert.True(t, Retryable(New(UpstreamUnavailable, "X", "x")))

	assert.False(t, Retryable(New(Validation, "X", "x")))
	assert.False(t, Retryable(New(Conflict, "X", "x")))
	assert.False(t, Retryable(New(NotFound, "X", "x")))
	assert.False(t, Retryable(errors.New("plain")))
}
