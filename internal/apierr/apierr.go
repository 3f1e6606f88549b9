// Package apierr defines the error taxonomy shared by the HTTP surface and
// the outbound clients, and the JSON envelope every response is written in.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error codes carried in the envelope data on failure.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeTooLarge          = "PAYLOAD_TOO_LARGE"
	CodeUpstream          = "UPSTREAM_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrNotFound is returned by HTTP lookups that found nothing.
var ErrNotFound = errors.New("not found")

// AuthError is a failed API key or signature check. Status is 401 or 403.
type AuthError struct {
	Status int
	Reason string
	Msg    string
}

func (e *AuthError) Error() string { return e.Msg }

// RateLimitError means the caller exceeded its request budget.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %d seconds", e.RetryAfter)
}

// ValidationError is a malformed payload or parameter.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// Invalid is shorthand for a ValidationError on field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a failed call to an external service.
type UpstreamError struct {
	Service string
	Op      string
	Status  int
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: upstream status %d: %v", e.Service, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StatusCoder lets errors from other packages pick their own HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	var (
		ae *AuthError
		rl *RateLimitError
		ve *ValidationError
		ue *UpstreamError
		mb *http.MaxBytesError
		sc StatusCoder
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ae):
		return ae.Status
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &mb):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &sc):
		return sc.HTTPStatus()
	case errors.As(err, &ue):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code maps err to its envelope error code.
func Code(err error) string {
	switch Status(err) {
	case http.StatusBadRequest:
		return CodeInvalidInput
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeRateLimitExceeded
	case http.StatusRequestEntityTooLarge:
		return CodeTooLarge
	case http.StatusBadGateway:
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// Envelope is the body shape of every JSON response.
type Envelope struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Detailer lets an error contribute extra fields to the error envelope data.
type Detailer interface {
	Details() map[string]any
}

// WriteJSON writes a success envelope.
func WriteJSON(w http.ResponseWriter, status int, message string, data any) {
	writeEnvelope(w, status, Envelope{
		Status:    "success",
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Write writes err as an error envelope with the mapped status, setting
// Retry-After on 429 and WWW-Authenticate on 401.
func Write(w http.ResponseWriter, err error) {
	status := Status(err)
	data := map[string]any{"code": Code(err)}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
		data["retry_after"] = rl.RetryAfter
	}
	var ae *AuthError
	if errors.As(err, &ae) && ae.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "ApiKey")
	}
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		data["field"] = ve.Field
	}
	var mb *http.MaxBytesError
	if errors.As(err, &mb) {
		data["limit_bytes"] = mb.Limit
	}
	var d Detailer
	if errors.As(err, &d) {
		for k, v := range d.Details() {
			data[k] = v
		}
	}

	msg := err.Error()
	if status == http.StatusInternalServerError && d == nil {
		msg = "internal error"
	}

	writeEnvelope(w, status, Envelope{
		Status:    "error",
		Message:   msg,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
