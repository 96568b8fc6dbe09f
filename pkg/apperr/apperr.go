// Package apperr defines the error kinds shared by the server and the terminal client.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound reports a missing session or member.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyConnecting rejects a second concurrent create/join.
	ErrAlreadyConnecting = errors.New("already connecting")
	// ErrTimeout reports an expired deadline on a network operation.
	ErrTimeout = errors.New("request timed out")
	// ErrMisconfigured reports a missing credential.
	ErrMisconfigured = errors.New("server configuration error")
	// ErrValidation reports malformed input such as a bad session id.
	ErrValidation = errors.New("validation error")
	// ErrNotInSession is returned by session operations that need an active session.
	ErrNotInSession = errors.New("not in a session")
)

// Wire kinds used in JSON error bodies.
const (
	KindNotFound          = "not_found"
	KindAlreadyConnecting = "already_connecting"
	KindTimeout           = "timeout"
	KindUpstream          = "upstream_error"
	KindMisconfigured     = "server_configuration_error"
	KindValidation        = "validation_error"
	KindNotInSession      = "not_in_session"
	KindInternal          = "internal_error"
)

// UpstreamError is a non-2xx answer from the model API or a session backend.
// Status is zero when the request never produced an HTTP response.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream unavailable: %s", e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

// Upstream builds an *UpstreamError.
func Upstream(status int, message string) error {
	return &UpstreamError{Status: status, Message: message}
}

// Validation wraps ErrValidation with a reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with a reason.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// FromContext converts a context deadline into ErrTimeout and leaves other errors alone.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Kind maps err onto its wire kind.
func Kind(err error) string {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyConnecting):
		return KindAlreadyConnecting
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrMisconfigured):
		return KindMisconfigured
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotInSession):
		return KindNotInSession
	case errors.As(err, &upstream):
		return KindUpstream
	default:
		return KindInternal
	}
}

// FromKind is the inverse of Kind, used by clients decoding error bodies.
// Upstream errors need the status and are built by the caller.
func FromKind(kind, message string) error {
	var base error
	switch kind {
	case KindNotFound:
		base = ErrNotFound
	case KindAlreadyConnecting:
		base = ErrAlreadyConnecting
	case KindTimeout:
		base = ErrTimeout
	case KindMisconfigured:
		base = ErrMisconfigured
	case KindValidation:
		base = ErrValidation
	case KindNotInSession:
		base = ErrNotInSession
	default:
		return nil
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

// HTTPStatus maps err onto the status code the HTTP surface answers with.
func HTTPStatus(err error) int {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyConnecting):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrMisconfigured):
		return http.StatusInternalServerError
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotInSession):
		return http.StatusBadRequest
	case errors.As(err, &upstream):
		if upstream.Status >= 400 && upstream.Status <= 599 {
			return upstream.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
