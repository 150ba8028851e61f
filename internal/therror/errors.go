// Package therror defines TheresError, the core's single structured error
// type, and the classification helpers that turn a raw transport/provider
// error into one of a small set of stable wire codes.
package therror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is one of the stable UPPER_SNAKE codes in the error envelope.
type Code string

const (
	CodeAPIUnreachable     Code = "API_UNREACHABLE"
	CodeAPITimeout         Code = "API_TIMEOUT"
	CodeAPIServerError     Code = "API_SERVER_ERROR"
	CodeAPIAuthFailed      Code = "API_AUTH_FAILED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeAPIRateLimited     Code = "API_RATE_LIMITED"
	CodeLLMContextTooLong  Code = "LLM_CONTEXT_TOO_LONG"
	CodeLLMGenerationFailed Code = "LLM_GENERATION_FAILED"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeHTTPError          Code = "HTTP_ERROR"
	CodeUnknownError       Code = "UNKNOWN_ERROR"
)

// IsRetryable reports whether the utility-level retry helper should retry
// an error with this code. Streaming handlers never consult this: they
// surface transient failures as terminal error events instead.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeAPIUnreachable, CodeAPITimeout, CodeAPIServerError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a code to the status the HTTP layer should respond with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized, CodeAPIAuthFailed:
		return http.StatusUnauthorized
	case CodeHTTPError:
		return http.StatusNotFound
	case CodeValidationError:
		return http.StatusUnprocessableEntity
	case CodeAPIRateLimited, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnknownError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// TheresError is the core's one structured error type. It always has a
// Code; Recoverable marks errors the caller can retry or work around
// without operator intervention.
type TheresError struct {
	Code        Code
	Message     string
	Recoverable bool
	Details     map[string]any
	Cause       error
}

func (e *TheresError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Cause.Error())
	}
	return string(e.Code)
}

func (e *TheresError) Unwrap() error { return e.Cause }

// New builds a TheresError, classifying the cause if no code is supplied.
func New(code Code, message string, cause error) *TheresError {
	return &TheresError{
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: code != CodeUnknownError,
	}
}

// WithDetails attaches structured debugging context to the envelope.
func (e *TheresError) WithDetails(d map[string]any) *TheresError {
	e.Details = d
	return e
}

// As extracts a *TheresError from an error chain.
func As(err error) (*TheresError, bool) {
	var te *TheresError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Classify inspects a raw error (typically from an HTTP client or provider
// SDK) and returns the stable Code it should be reported under. It matches
// on status-code-shaped substrings and well-known message patterns, the
// same two-pass approach the provider adapters already use for their own
// failover classification.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknownError
	}
	var te *TheresError
	if errors.As(err, &te) {
		return te.Code
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "too many tokens"):
		return CodeLLMContextTooLong
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context deadline"):
		return CodeAPITimeout
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return CodeAPIRateLimited
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return CodeAPIAuthFailed
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network is unreachable"):
		return CodeAPIUnreachable
	case strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return CodeAPIServerError
	default:
		return CodeUnknownError
	}
}

// WithGracefulDegradation runs op; on failure it classifies the error and,
// for errors the caller marked degradable, returns fallback instead of
// propagating — used by components (e.g. memory retrieval) whose failure
// should not abort a request, only drop a feature.
func WithGracefulDegradation[T any](op func() (T, error), fallback T, degradable ...Code) (T, error) {
	result, err := op()
	if err == nil {
		return result, nil
	}
	code := Classify(err)
	for _, d := range degradable {
		if code == d {
			return fallback, nil
		}
	}
	return result, err
}
