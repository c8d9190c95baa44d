// Package httputil provides common HTTP utilities for service handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fe-row/AEGIS/infrastructure/logging"
)

// ErrorResponse represents a standard error response.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

func traceIDFromRequestOrResponse(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if traceID := logging.GetTraceID(r.Context()); traceID != "" {
			return traceID
		}
		if traceID := r.Header.Get("X-Request-ID"); traceID != "" {
			return traceID
		}
	}

	return w.Header().Get("X-Request-ID")
}

// WriteErrorResponse writes a standard JSON error response envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}

	traceID := traceIDFromRequestOrResponse(w, r)
	if traceID != "" && w.Header().Get("X-Request-ID") == "" {
		w.Header().Set("X-Request-ID", traceID)
	}

	WriteJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
		TraceID: traceID,
	})
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteErrorResponse(w, nil, status, "", message, nil)
}

// WriteErrorWithCode writes a JSON error response with an error code.
func WriteErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	WriteErrorResponse(w, nil, status, code, message, nil)
}

// BadRequest writes a 400 Bad Request response.
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// Unauthorized writes a 401 Unauthorized response.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	WriteError(w, http.StatusUnauthorized, message)
}

// Forbidden writes a 403 Forbidden response.
func Forbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "forbidden"
	}
	WriteError(w, http.StatusForbidden, message)
}

// NotFound writes a 404 Not Found response.
func NotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "not found"
	}
	WriteError(w, http.StatusNotFound, message)
}

// Conflict writes a 409 Conflict response.
func Conflict(w http.ResponseWriter, message string) {
	if message == "" {
		message = "conflict"
	}
	WriteError(w, http.StatusConflict, message)
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "internal server error"
	}
	WriteError(w, http.StatusInternalServerError, message)
}

// ServiceUnavailable writes a 503 Service Unavailable response.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	if message == "" {
		message = "service unavailable"
	}
	WriteError(w, http.StatusServiceUnavailable, message)
}

// DecodeJSON decodes a JSON request body into the provided struct.
// Returns false and writes an error response if decoding fails.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "", "request body too large", map[string]any{
				"limit_bytes": maxErr.Limit,
			})
			return false
		}
		BadRequest(w, "invalid request body")
		return false
	}
	return true
}

// DecodeJSONOptional decodes a JSON request body into the provided struct when present.
// It returns true when the body is empty and no decoding is needed.
func DecodeJSONOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return true
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}

		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "", "request body too large", map[string]any{
				"limit_bytes": maxErr.Limit,
			})
			return false
		}
		BadRequest(w, "invalid request body")
		return false
	}
	return true
}

// PathParam extracts a path parameter from the URL.
// Example: PathParam("/users/123/orders", "/users/", "/orders") returns "123"
func PathParam(path, prefix, suffix string) string {
	path = strings.TrimPrefix(path, prefix)
	if suffix != "" {
		if idx := strings.Index(path, suffix); idx >= 0 {
			path = path[:idx]
		}
	}
	if idx := strings.Index(path, "/"); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// QueryInt extracts an integer query parameter with a default value.
func QueryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(val); err == nil {
		return n
	}
	return defaultVal
}

// QueryInt64 extracts an int64 query parameter with a default value.
func QueryInt64(r *http.Request, key string, defaultVal int64) int64 {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		return n
	}
	return defaultVal
}

// QueryString extracts a string query parameter with a default value.
func QueryString(r *http.Request, key, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// QueryBool extracts a boolean query parameter with a default value.
func QueryBool(r *http.Request, key string, defaultVal bool) bool {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1" || val == "yes"
}

// GetUserID extracts the sponsor ID from the request context, as set by the
// auth middleware after JWT or API-key verification.
func GetUserID(r *http.Request) string {
	return logging.GetUserID(r.Context())
}

// GetUserRole extracts the caller role from the request context.
func GetUserRole(r *http.Request) string {
	return logging.GetRole(r.Context())
}

// RequireUserID extracts the sponsor ID from the request context.
// Returns false and writes an error response if not present.
func RequireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := GetUserID(r)
	if userID == "" {
		Unauthorized(w, "")
		return "", false
	}
	return userID, true
}

// RequireServiceID extracts the calling service's ID from the request context.
// Returns false and writes an error response if not present.
func RequireServiceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	serviceID := logging.GetService(r.Context())
	if serviceID == "" {
		Unauthorized(w, "")
		return "", false
	}
	return serviceID, true
}

// PaginationParams extracts pagination parameters from the request.
func PaginationParams(r *http.Request, defaultLimit, maxLimit int) (offset, limit int) {
	offset = QueryInt(r, "offset", 0)
	limit = QueryInt(r, "limit", defaultLimit)
	if limit > maxLimit {
		limit = maxLimit
	}
	if limit < 1 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

// WrapError wraps an error with context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
