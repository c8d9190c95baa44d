// Package errs mirrors the donor's ServiceError pattern with AEGIS's own
// error code table for pipeline denials and caller errors.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the pipeline's well-known denial/error identifiers.
type Code string

const (
	// Pipeline denial codes surfaced in policy_result.error_code (spec.md §6).
	CodeSSRFBlocked            Code = "SSRF_BLOCKED"
	CodeAgentSuspended         Code = "AGENT_SUSPENDED"
	CodeAgentPanic             Code = "AGENT_PANIC"
	CodePromptInjection        Code = "PROMPT_INJECTION"
	CodeAnomalyDetected        Code = "ANOMALY_DETECTED"
	CodeNoPermission           Code = "NO_PERMISSION"
	CodeWalletInsufficientFunds Code = "WALLET_INSUFFICIENT_FUNDS"
	CodeCircuitBreaker         Code = "CIRCUIT_BREAKER"
	CodePolicyDenied           Code = "POLICY_DENIED"

	// Caller-error codes (spec.md §7.1).
	CodeNotFound      Code = "NOT_FOUND"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeConflict      Code = "CONFLICT"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeInternal      Code = "INTERNAL"
)

// ServiceError is a structured, HTTP-status-carrying error.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches structured context to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a ServiceError.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds a ServiceError around an underlying cause.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Caller errors — these carry real 4xx HTTP statuses (spec.md §7.1).

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

func InvalidInput(field, reason string) *ServiceError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// Pipeline denials — these are returned with HTTP 200 and a `blocked` status
// envelope (spec.md §7.2: "a successful decision, not an HTTP error").

func Denial(code Code, reason string) *ServiceError {
	return New(code, reason, http.StatusOK)
}

func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
