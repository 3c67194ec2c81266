// Package apperr defines the typed error taxonomy the command core produces
// and the HTTP boundary maps to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error names.
const (
	NameValidation        = "ValidationError"
	NameNotFound          = "NotFoundError"
	NameConflict          = "ConflictError"
	NameInsufficientStock = "InsufficientStockError"
	NameRateLimited       = "RateLimited"
	NameOverloaded        = "ServiceOverloaded"
	NamePersistence       = "PersistenceError"
	NameCircuitOpen       = "CircuitOpen"
	NameInternal          = "InternalError"
)

// Stable machine-readable codes.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidIfMatch      = "INVALID_IF_MATCH"
	CodeNotFound            = "NOT_FOUND"
	CodeVersionMismatch     = "VERSION_MISMATCH"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeInsufficientStock   = "INSUFFICIENT_STOCK"
	CodeRateLimited         = "RATE_LIMITED"
	CodeOverloaded          = "SERVICE_OVERLOADED"
	CodePersistence         = "PERSISTENCE_ERROR"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeInternal            = "INTERNAL_ERROR"
)

// ConflictKind distinguishes the two 409 flavors.
type ConflictKind string

const (
	ConflictVersionMismatch     ConflictKind = "VersionMismatch"
	ConflictIdempotencyConflict ConflictKind = "IdempotencyConflict"
)

// Error is the typed domain error surfaced verbatim to the HTTP boundary.
// RetryAfter > 0 carries a client retry hint in whole seconds.
type Error struct {
	Name       string
	Code       string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Details    map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// As extracts an *Error from an error chain, wrapping unknown errors as
// InternalError so the boundary always has a mappable shape.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Validation builds a 400 with the given code (CodeValidation or CodeInvalidIfMatch).
func Validation(code, format string, args ...any) *Error {
	return &Error{
		Name:       NameValidation,
		Code:       code,
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf(format, args...),
	}
}

// NotFound builds a 404 for an absent (storeId, sku) record.
func NotFound(storeID, sku string) *Error {
	return &Error{
		Name:       NameNotFound,
		Code:       CodeNotFound,
		StatusCode: http.StatusNotFound,
		Message:    fmt.Sprintf("stock record not found for store %q sku %q", storeID, sku),
		Details:    map[string]any{"storeId": storeID, "sku": sku},
	}
}

// VersionMismatch builds a 409 carrying both the expected and actual version.
func VersionMismatch(expected, actual int64) *Error {
	return &Error{
		Name:       NameConflict,
		Code:       CodeVersionMismatch,
		StatusCode: http.StatusConflict,
		Message:    fmt.Sprintf("version mismatch: expected %d, actual %d", expected, actual),
		Details:    map[string]any{"kind": string(ConflictVersionMismatch), "expected": expected, "actual": actual},
	}
}

// IdempotencyConflict builds a 409 for a reused key with a different payload.
func IdempotencyConflict(key string) *Error {
	return &Error{
		Name:       NameConflict,
		Code:       CodeIdempotencyConflict,
		StatusCode: http.StatusConflict,
		Message:    "idempotency key reused with a different payload",
		Details:    map[string]any{"kind": string(ConflictIdempotencyConflict), "idempotencyKey": key},
	}
}

// InsufficientStock builds a 422 reporting requested vs available quantity.
func InsufficientStock(requested, available int64) *Error {
	return &Error{
		Name:       NameInsufficientStock,
		Code:       CodeInsufficientStock,
		StatusCode: http.StatusUnprocessableEntity,
		Message:    fmt.Sprintf("insufficient stock: requested %d, available %d", requested, available),
		Details:    map[string]any{"requested": requested, "available": available},
	}
}

// RateLimited builds a 429 with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Name:       NameRateLimited,
		Code:       CodeRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// Overloaded builds a 503 for load shedding or bulkhead capacity rejection.
func Overloaded(reason string, retryAfter time.Duration) *Error {
	return &Error{
		Name:       NameOverloaded,
		Code:       CodeOverloaded,
		StatusCode: http.StatusServiceUnavailable,
		Message:    reason,
		RetryAfter: retryAfter,
	}
}

// Persistence builds a 500 after retry exhaustion in the durable layers.
func Persistence(msg string, cause error) *Error {
	return &Error{
		Name:       NamePersistence,
		Code:       CodePersistence,
		StatusCode: http.StatusInternalServerError,
		Message:    msg,
		cause:      cause,
	}
}

// CircuitOpen builds a 503 breaker fast-fail with a retry hint.
func CircuitOpen(retryAfter time.Duration) *Error {
	return &Error{
		Name:       NameCircuitOpen,
		Code:       CodeCircuitOpen,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "circuit breaker open",
		RetryAfter: retryAfter,
	}
}

// Internal wraps anything else as a 500.
func Internal(cause error) *Error {
	return &Error{
		Name:       NameInternal,
		Code:       CodeInternal,
		StatusCode: http.StatusInternalServerError,
		Message:    "internal error",
		cause:      cause,
	}
}
