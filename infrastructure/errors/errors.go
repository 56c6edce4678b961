// Package errors provides the HTTP-boundary error taxonomy for iorate's
// connection-manager RPC surfaces (spec.md §7): Parse, Transport,
// Protocol, and Configuration error kinds, plus the rate-limit and
// internal codes the ambient middleware stack needs.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Parse errors (1xxx): malformed rule strings, insufficient tokens,
	// unknown operation keyword (spec.md §7). Reported to the submitter;
	// never mutates state.
	ErrCodeParseFailure     ErrorCode = "PARSE_1001"
	ErrCodeMissingParameter ErrorCode = "PARSE_1002"
	ErrCodeInvalidFormat    ErrorCode = "PARSE_1003"

	// Transport errors (2xxx): short read/write, closed socket, failed
	// RPC (spec.md §7). The affected session surfaces a sentinel
	// response; the caller evicts the session and decrements the active
	// count.
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_2001"
	ErrCodeTimeout          ErrorCode = "TRANSPORT_2002"

	// Protocol errors (3xxx): ACK{error} returned by a peer for a
	// semantically valid request (spec.md §7).
	ErrCodeProtocolRejected ErrorCode = "PROTOCOL_3001"
	ErrCodeConflict         ErrorCode = "PROTOCOL_3002"

	// Configuration errors (4xxx): missing required options, unresolvable
	// addresses, absent files (spec.md §7). Fatal at startup.
	ErrCodeConfiguration ErrorCode = "CONFIG_4001"
	ErrCodeNotFound      ErrorCode = "CONFIG_4002"

	// Service errors (5xxx): ambient, cross-cutting failures that don't
	// fit the rule-dispatch taxonomy above.
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5002"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Parse errors

// ParseFailure reports a malformed rule string (spec.md §7 "Parse error"):
// insufficient tokens, unknown operation keyword, or an otherwise
// unparseable rule/policy line.
func ParseFailure(reason string) *ServiceError {
	return New(ErrCodeParseFailure, "rule parse failure", http.StatusBadRequest).
		WithDetails("reason", reason)
}

// MissingParameter reports a required RPC field that was left empty, such
// as connect-local's local_address or connect-stage's stage_name.
func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

// InvalidFormat reports a field whose value doesn't match the expected
// wire grammar (spec.md §6, rule/policy encodings).
func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

// Transport errors

// TransportFailure reports a short read/write or closed socket on a
// session (spec.md §7 "Transport error").
func TransportFailure(peer string, err error) *ServiceError {
	return Wrap(ErrCodeTransportFailure, "transport failure", http.StatusBadGateway, err).
		WithDetails("peer", peer)
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Protocol errors

// ProtocolRejected reports an ACK{error} returned by a peer for a
// semantically valid request (spec.md §7 "Protocol error").
func ProtocolRejected(reason string) *ServiceError {
	return New(ErrCodeProtocolRejected, "protocol-level rejection", http.StatusConflict).
		WithDetails("reason", reason)
}

// Conflict reports a duplicate or already-registered peer (for example a
// local address that is already connected).
func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Configuration errors

// Configuration reports a missing required option, unresolvable address,
// or absent file discovered at startup (spec.md §7 "Configuration error").
// Fatal at startup.
func Configuration(message string, err error) *ServiceError {
	return Wrap(ErrCodeConfiguration, message, http.StatusInternalServerError, err)
}

// NotFound reports a referenced job, stage, or local that the control
// application has no record of.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Service errors

// Internal reports an unexpected failure that doesn't map to one of the
// rule-dispatch error kinds above.
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// RateLimitExceeded reports that middleware.RateLimiter rejected a
// request (infrastructure/middleware/ratelimit.go).
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
