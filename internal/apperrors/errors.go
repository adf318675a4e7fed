package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindConfiguration   Kind = "configuration_error"
	KindAuthorization   Kind = "authorization_error"
	KindDocumentFormat  Kind = "document_format_error"
	KindTransientEngine Kind = "transient_engine_error"
	KindValidation      Kind = "validation_error"
	KindNotFound        Kind = "not_found"
	KindState           Kind = "state_error"
	KindIdentity        Kind = "identity_error"
	KindInternal        Kind = "internal_error"
)

// Error is the common shape of every typed error in the service.
// Message is safe to show to callers; Err may carry internal detail and is
// only exposed through Unwrap.
type Error struct {
	kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Is matches on kind so that errors.Is(err, &Error{kind: ...}) style checks
// work against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.kind == e.kind
}

// Sentinels usable with errors.Is.
var (
	ErrConfiguration   = &Error{kind: KindConfiguration}
	ErrAuthorization   = &Error{kind: KindAuthorization}
	ErrDocumentFormat  = &Error{kind: KindDocumentFormat}
	ErrTransientEngine = &Error{kind: KindTransientEngine}
	ErrValidation      = &Error{kind: KindValidation}
	ErrNotFound        = &Error{kind: KindNotFound}
	ErrState           = &Error{kind: KindState}
	ErrIdentity        = &Error{kind: KindIdentity}
)

func newError(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, Message: msg, Err: err}
}

func Configuration(msg string, err error) *Error { return newError(KindConfiguration, msg, err) }
func Authorization(msg string, err error) *Error { return newError(KindAuthorization, msg, err) }
func DocumentFormat(msg string, err error) *Error { return newError(KindDocumentFormat, msg, err) }
func TransientEngine(msg string, err error) *Error {
	return newError(KindTransientEngine, msg, err)
}
func Validation(msg string, err error) *Error { return newError(KindValidation, msg, err) }
func NotFound(msg string, err error) *Error   { return newError(KindNotFound, msg, err) }
func State(msg string, err error) *Error      { return newError(KindState, msg, err) }
func Identity(msg string, err error) *Error   { return newError(KindIdentity, msg, err) }

// KindOf returns the kind of the outermost typed error in the chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// IsTransient reports whether err is eligible for a retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientEngine
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindDocumentFormat:
		return http.StatusBadRequest
	case KindAuthorization:
		var ae *Error
		errors.As(err, &ae)
		if ae != nil && ae.Message == ForbiddenMessage {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindTransientEngine:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ForbiddenMessage marks an authorization failure for an authenticated caller
// who lacks the signer role.
const ForbiddenMessage = "caller is not an authorized signer"

// PublicMessage returns the text that may cross the API boundary. Errors
// without a typed kind, and configuration or identity failures, never leak
// their wrapped detail.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	switch e.kind {
	case KindConfiguration:
		return "service is not configured for signing"
	case KindIdentity:
		return "signing identity is unavailable"
	}
	return e.Message
}

// Describe renders err as "kind: public message" for per-item results that
// are returned to callers and stored on records.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled: " + err.Error()
	}
	return fmt.Sprintf("%s: %s", KindOf(err), PublicMessage(err))
}
