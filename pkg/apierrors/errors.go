// Package apierrors provides the unified error taxonomy:
// a structured error carrying a stable UPPER_SNAKE_CASE code, an HTTP
// status, and optional details, so every surface (HTTP, WS, internal
// callers) reports failures the same way.
package apierrors

import (
	"fmt"
	"net/http"
)

// Code is a taxonomy name, e.g. "PERMISSION_DENIED".
type Code string

const (
	CodeInvalidCredentials  Code = "INVALID_CREDENTIALS"
	CodeExpiredToken        Code = "EXPIRED_TOKEN"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeScopeDenied         Code = "SCOPE_DENIED"
	CodeUserDisabled        Code = "USER_DISABLED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeUnsupportedGrant    Code = "UNSUPPORTED_GRANT_TYPE"
	CodeInvalidScope        Code = "INVALID_SCOPE"
	CodeTypeError           Code = "TYPE_ERROR"
	CodeUnknownCommand      Code = "UNKNOWN_COMMAND"
	CodeMatchFull           Code = "MATCH_FULL"
	CodeUnroutableModules   Code = "UNROUTABLE_MODULES"
	CodeUnresolvableModules Code = "UNRESOLVABLE_MODULES"
	CodePlacementFailed     Code = "PLACEMENT_FAILED"
	CodeBackpressure        Code = "BACKPRESSURE"
	CodeSlowConsumer        Code = "SLOW_CONSUMER"
	CodeCapacityExhausted   Code = "CAPACITY_EXHAUSTED"
	CodeResourceUnavailable Code = "RESOURCE_UNAVAILABLE"
	CodePreconditionFailed  Code = "PRECONDITION_FAILED"
	CodeInternal            Code = "INTERNAL"
)

// Error is a structured, HTTP-status-bearing error. It satisfies the error
// interface and unwraps to its cause.
type Error struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value detail and returns the same error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs a bare Error.
func New(code Code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// Wrap constructs an Error around an underlying cause.
func Wrap(code Code, message string, status int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Constructors, one per taxonomy entry.

func InvalidCredentials(msg string) *Error {
	return New(CodeInvalidCredentials, msg, http.StatusUnauthorized)
}

func ExpiredToken() *Error {
	return New(CodeExpiredToken, "access token has expired", http.StatusUnauthorized)
}

func InvalidToken(err error) *Error {
	return Wrap(CodeInvalidToken, "access token is invalid", http.StatusUnauthorized, err)
}

func PermissionDenied(msg string) *Error {
	return New(CodePermissionDenied, msg, http.StatusForbidden)
}

func ScopeDenied(scope string) *Error {
	return New(CodeScopeDenied, "token lacks required scope", http.StatusForbidden).WithDetail("scope", scope)
}

func UserDisabled() *Error {
	return New(CodeUserDisabled, "principal is disabled", http.StatusForbidden)
}

func NotFound(kind, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found", kind), http.StatusNotFound).WithDetail("id", id)
}

func Conflict(msg string) *Error {
	return New(CodeConflict, msg, http.StatusConflict)
}

func BadRequest(msg string) *Error {
	return New(CodeBadRequest, msg, http.StatusBadRequest)
}

func TypeErrorFields(fields ...string) *Error {
	return New(CodeTypeError, "payload field type mismatch", http.StatusBadRequest).WithDetail("fields", fields)
}

func UnknownCommand(name string) *Error {
	return New(CodeUnknownCommand, "command is not registered", http.StatusBadRequest).WithDetail("command", name)
}

func MatchFull(limit, current int) *Error {
	return New(CodeMatchFull, "match has reached its player limit", http.StatusConflict).
		WithDetail("playerLimit", limit).
		WithDetail("currentPlayers", current)
}

func UnroutableModules(modules []string) *Error {
	return New(CodeUnroutableModules, "no healthy node supports the requested modules", 422).
		WithDetail("modules", modules)
}

func UnresolvableModules(reason string) *Error {
	return New(CodeUnresolvableModules, reason, http.StatusUnprocessableEntity)
}

func PlacementFailed(attempts int) *Error {
	return New(CodePlacementFailed, "match placement failed after all retries", 422).
		WithDetail("attempts", attempts)
}

func Backpressure(matchID uint64) *Error {
	return New(CodeBackpressure, "command queue is full", http.StatusTooManyRequests).
		WithDetail("matchId", matchID)
}

func SlowConsumer() *Error {
	return New(CodeSlowConsumer, "subscriber fell too far behind the tick rate", 0)
}

func CapacityExhausted(what string) *Error {
	return New(CodeCapacityExhausted, fmt.Sprintf("%s capacity exhausted", what), http.StatusServiceUnavailable)
}

func ResourceUnavailable(what string) *Error {
	return New(CodeResourceUnavailable, fmt.Sprintf("%s unavailable", what), http.StatusServiceUnavailable)
}

func PreconditionFailed(msg string) *Error {
	return New(CodePreconditionFailed, msg, http.StatusPreconditionFailed)
}

func Internal(err error) *Error {
	return Wrap(CodeInternal, "internal error", http.StatusInternalServerError, err)
}

// As extracts an *Error from err if present.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
