// Package apierror defines the closed error-kind taxonomy used across the
// resilience layer. Errors are classified exactly once at the network-adapter
// boundary; every other component switches on the Kind instead of inspecting
// messages or error strings.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error classification. These form a public API
// contract — consumers can program against these stable kinds. Do not rename
// or remove existing kinds.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindRateLimit          Kind = "RATE_LIMIT"
	KindTimeout            Kind = "TIMEOUT"
	KindNetwork            Kind = "NETWORK_ERROR"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindUpstream           Kind = "UPSTREAM_ERROR"
)

// Error is a classified error. It wraps the original cause so errors.Is/As
// still reach the underlying failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping cause. A nil cause returns nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind from err. Unclassified errors report KindUpstream:
// by the time an error reaches this layer it has crossed the network-adapter
// boundary, so anything unclassified is a dependency-specific failure.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUpstream
}

// Retryable reports whether err is a transient failure worth retrying.
// Validation, not-found, and upstream-specific errors propagate immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindServiceUnavailable, KindRateLimit:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the status code the operational boundary
// surfaces for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindNetwork:
		return http.StatusBadGateway
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the standardized JSON error body written by the ops server.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses. Avoids
// json.Encoder allocation on every error in the hot path. These do NOT
// include request_id since it varies per request.
var (
	preServiceUnavailable = mustMarshal(http.StatusServiceUnavailable, KindServiceUnavailable, "service temporarily unavailable")
	preTimeout            = mustMarshal(http.StatusRequestTimeout, KindTimeout, "request timed out")
	preRateLimit          = mustMarshal(http.StatusTooManyRequests, KindRateLimit, "rate limit exceeded, retry later")
	preNetwork            = mustMarshal(http.StatusBadGateway, KindNetwork, "upstream network failure")
)

func mustMarshal(status int, kind Kind, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(kind),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response for the given kind.
// For common kind+message combinations, pre-serialized bodies are used.
// The request parameter may be nil when no request is available.
func WriteJSON(w http.ResponseWriter, r *http.Request, kind Kind, message string) {
	status := HTTPStatus(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(kind, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(kind),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(kind Kind, message string) []byte {
	switch {
	case kind == KindServiceUnavailable && message == "service temporarily unavailable":
		return preServiceUnavailable
	case kind == KindTimeout && message == "request timed out":
		return preTimeout
	case kind == KindRateLimit && message == "rate limit exceeded, retry later":
		return preRateLimit
	case kind == KindNetwork && message == "upstream network failure":
		return preNetwork
	}
	return nil
}
