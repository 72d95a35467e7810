package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind values returned in the caller-facing error envelope.
const (
	ErrNotFound         = "NOT_FOUND"
	ErrValidation       = "VALIDATION_ERROR"
	ErrPermissionDenied = "PERMISSION_DENIED"
	ErrUpstream         = "UPSTREAM_ERROR"
	ErrDelivery         = "DELIVERY_ERROR"
)

// Error is the envelope surfaced to callers: {code, message, data?}.
type Error struct {
	Kind    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`

	// Status is the originating HTTP status for upstream failures; zero
	// for errors the gateway produced itself.
	Status int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NotFound(resource string, id any) *Error {
	return &Error{
		Kind:    ErrNotFound,
		Message: resource + " not found",
		Data:    map[string]any{"resource": resource, "identifier": fmt.Sprint(id)},
	}
}

func Validation(message, field string) *Error {
	e := &Error{Kind: ErrValidation, Message: message}
	if field != "" {
		e.Data = map[string]any{"field": field}
	}
	return e
}

func PermissionDenied(message string) *Error {
	return &Error{Kind: ErrPermissionDenied, Message: message}
}

// RateLimited is a PermissionDenied carrying the seconds until the window
// resets so callers can back off.
func RateLimited(retryAfterSec int) *Error {
	return &Error{
		Kind:    ErrPermissionDenied,
		Message: "rate limit exceeded",
		Data:    map[string]any{"retry_after_sec": retryAfterSec},
	}
}

func Upstream(status int, message string) *Error {
	return &Error{Kind: ErrUpstream, Message: message, Status: status}
}

// Retryable reports whether an upstream failure is worth retrying:
// 5xx and transport timeouts are; other 4xx are terminal.
func (e *Error) Retryable() bool {
	if e.Kind != ErrUpstream {
		return false
	}
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

// HTTPStatus maps the error kind to the gateway's response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrValidation:
		return http.StatusBadRequest
	case ErrPermissionDenied:
		if e.Data != nil {
			if _, ok := e.Data["retry_after_sec"]; ok {
				return http.StatusTooManyRequests
			}
		}
		return http.StatusForbidden
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsError unwraps err into the envelope type, wrapping unknown errors as
// upstream failures so the caller always receives a kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: ErrUpstream, Message: err.Error()}
}
