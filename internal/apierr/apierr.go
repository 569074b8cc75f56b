// Package apierr defines the gateway's error taxonomy and its JSON wire
// shape, grounded on the flat sentinel-error/errorResponse pattern of the
// upstream server package but promoted to a typed kind since the admission
// pipeline and worker pool need to carry structured fields (retry_after_s,
// field) through to the HTTP response.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind is one member of the gateway's error taxonomy.
type Kind string

const (
	AuthMissing     Kind = "AuthMissing"
	AuthInvalid     Kind = "AuthInvalid"
	AuthRevoked     Kind = "AuthRevoked"
	PermissionDenied Kind = "PermissionDenied"
	RateLimited     Kind = "RateLimited"
	BudgetExceeded  Kind = "BudgetExceeded"
	CostExceeded    Kind = "CostExceeded"
	Timeout         Kind = "Timeout"
	Overloaded      Kind = "Overloaded"
	InvalidRequest  Kind = "InvalidRequest"
	OutputMalformed Kind = "OutputMalformed"
	ChildExit       Kind = "ChildExit"
	UpstreamError   Kind = "UpstreamError"
	Internal        Kind = "Internal"
)

var statusByKind = map[Kind]int{
	AuthMissing:      http.StatusUnauthorized,
	AuthInvalid:      http.StatusUnauthorized,
	AuthRevoked:      http.StatusUnauthorized,
	PermissionDenied: http.StatusForbidden,
	RateLimited:      http.StatusTooManyRequests,
	BudgetExceeded:   http.StatusTooManyRequests,
	CostExceeded:     http.StatusPaymentRequired,
	Timeout:          http.StatusRequestTimeout,
	Overloaded:       http.StatusServiceUnavailable,
	InvalidRequest:   http.StatusBadRequest,
	OutputMalformed:  http.StatusBadGateway,
	ChildExit:        http.StatusBadGateway,
	UpstreamError:    http.StatusBadGateway,
	Internal:         http.StatusInternalServerError,
}

// Error is a typed gateway error carrying the fields its kind requires.
type Error struct {
	Kind        Kind
	Message     string
	RetryAfterS int
	Field       string
	ExitCode    int
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Status returns the HTTP status code for e's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithField sets the offending field name (tool/agent/skill/cap) and
// returns e for chaining.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithRetryAfter sets retry_after_s and returns e for chaining.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfterS = seconds
	return e
}

// wireError is the JSON body shape returned to clients.
type wireError struct {
	Type        Kind   `json:"type"`
	Message     string `json:"message"`
	RetryAfterS int    `json:"retry_after_s,omitempty"`
	Field       string `json:"field,omitempty"`
}

// jsonCT is a pre-allocated header value slice, avoiding the []string{v}
// allocation that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

// Write encodes err as the standard error JSON body with the matching
// status code. Internal errors never leak e.Message to the client.
func Write(w http.ResponseWriter, err *Error) {
	msg := err.Message
	if err.Kind == Internal {
		msg = "internal server error"
	}
	body := wireError{Type: err.Kind, Message: msg, RetryAfterS: err.RetryAfterS, Field: err.Field}
	data, encErr := json.Marshal(body)
	if encErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(err.Status())
	w.Write(data)
}

// As extracts an *Error from err, wrapping it as Internal if it is not
// already one.
func As(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: Internal, Message: err.Error()}
}
