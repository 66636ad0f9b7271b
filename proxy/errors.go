package proxy

import (
	"fmt"
	"net/http"
)

// ErrorKind is the closed failure taxonomy every component reports in.
type ErrorKind string

const (
	ErrInvalidRequest        ErrorKind = "invalid_request"
	ErrModelNotFound         ErrorKind = "model_not_found"
	ErrModelNotLoaded        ErrorKind = "model_not_loaded"
	ErrUpstreamUnavailable   ErrorKind = "upstream_unavailable"
	ErrUpstreamProtocolError ErrorKind = "upstream_protocol_error"
	ErrCancelled             ErrorKind = "cancelled"
)

// ProxyError is the one error type every component returns; handlers
// render it with sendError, which owns the Kind->status mapping.
type ProxyError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, msg string, cause error) *ProxyError {
	return &ProxyError{Kind: kind, Message: msg, Cause: cause}
}

func invalidRequestf(format string, args ...any) *ProxyError {
	return newError(ErrInvalidRequest, fmt.Sprintf(format, args...), nil)
}

func modelNotFoundf(format string, args ...any) *ProxyError {
	return newError(ErrModelNotFound, fmt.Sprintf(format, args...), nil)
}

// statusFor maps a ProxyError.Kind to an HTTP status code.
func statusFor(kind ErrorKind) int {
	switch kind {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrModelNotFound:
		return http.StatusNotFound
	case ErrModelNotLoaded:
		// Recovered internally by the JIT hinter; if it still surfaces
		// to a handler, either the model did not load within the timeout
		// or the retry itself failed.
		return http.StatusServiceUnavailable
	case ErrUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrUpstreamProtocolError:
		return http.StatusBadGateway
	case ErrCancelled:
		return 499 // client closed request, nginx convention
	default:
		return http.StatusInternalServerError
	}
}

// asProxyError coerces any error into a *ProxyError, defaulting to an
// upstream-unavailable classification for unrecognized causes (e.g. a
// raw net.Error from the upstream http.Client).
func asProxyError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*ProxyError); ok {
		return pe
	}
	return newError(ErrUpstreamUnavailable, err.Error(), err)
}
