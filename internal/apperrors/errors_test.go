package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedError(t *testing.T) {
	base := TransientEngine("cms engine not ready", errors.New("entropy source unavailable"))
	wrapped := fmt.Errorf("sign certificate abc: %w", base)

	assert.Equal(t, KindTransientEngine, KindOf(wrapped))
	assert.True(t, IsTransient(wrapped))
	assert.True(t, errors.Is(wrapped, ErrTransientEngine))
	assert.False(t, errors.Is(wrapped, ErrDocumentFormat))
}

func TestUntypedErrorIsInternal(t *testing.T) {
	err := errors.New("could not load the shared library")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "internal server error", PublicMessage(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("no certificates provided", nil), http.StatusBadRequest},
		{DocumentFormat("malformed pdf", nil), http.StatusBadRequest},
		{Authorization("missing bearer token", nil), http.StatusUnauthorized},
		{Authorization(ForbiddenMessage, nil), http.StatusForbidden},
		{NotFound("certificate not found", nil), http.StatusNotFound},
		{State("certificate already signed", nil), http.StatusConflict},
		{TransientEngine("engine warming up", nil), http.StatusServiceUnavailable},
		{Configuration("missing key", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestPublicMessageRedactsSecrets(t *testing.T) {
	err := Identity("failed to decode PKCS#12", errors.New("pkcs12: decryption password incorrect: hunter2"))

	msg := PublicMessage(err)
	assert.NotContains(t, msg, "hunter2")
	assert.Equal(t, "signing identity is unavailable", msg)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "document_format_error: malformed pdf",
		Describe(fmt.Errorf("item 7: %w", DocumentFormat("malformed pdf", errors.New("xref offset 12 out of range")))))
	assert.Equal(t, "internal_error: internal server error", Describe(errors.New("dial tcp: refused")))
	assert.Equal(t, "cancelled: context canceled", Describe(context.Canceled))
	assert.Equal(t, "", Describe(nil))
}
