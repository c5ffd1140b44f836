package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	CodeAuthRejected       = "AUTH_REJECTED"
	CodeNetworkUnreachable = "NETWORK_UNREACHABLE"
	CodeHeartbeatTimeout   = "HEARTBEAT_TIMEOUT"
	CodeForcedDisconnect   = "FORCED_DISCONNECT"
	CodeMaxAttempts        = "MAX_ATTEMPTS"
	CodeConnectionLost     = "CONNECTION_LOST"
	CodeProtocol           = "PROTOCOL"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL"
)

type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func AuthRejected(err error) *AppError {
	return New(CodeAuthRejected, "authentication rejected", err)
}

func NetworkUnreachable(err error) *AppError {
	return New(CodeNetworkUnreachable, "service unreachable", err)
}

func HeartbeatTimeout(silence time.Duration) *AppError {
	return New(CodeHeartbeatTimeout, fmt.Sprintf("no pong for %s", silence), nil)
}

func ForcedDisconnect(code, reason string) *AppError {
	return New(CodeForcedDisconnect, fmt.Sprintf("%s: %s", code, reason), nil)
}

func Protocol(message string, err error) *AppError {
	return New(CodeProtocol, message, err)
}

func InvalidRequest(message string, err error) *AppError {
	return New(CodeInvalidRequest, message, err)
}

func NotFound(resource string, err error) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), err)
}

func Unauthorized(message string, err error) *AppError {
	return New(CodeUnauthorized, message, err)
}

func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

// Is reports whether err wraps an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HTTPStatus maps an error to the status the relay answers with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidRequest, CodeProtocol:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeAuthRejected:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
