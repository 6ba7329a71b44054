// Package api provides the HTTP surface of the feature-flag service:
// evaluation, events, bootstrap, and the admin CRUD endpoints, with
// structured error responses and per-route rate limits.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorCode is a machine-readable wire code clients can branch on.
type ErrorCode string

const (
	// General
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeQuota        ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeStorage      ErrorCode = "STORAGE_ERROR"
	ErrCodeConflict     ErrorCode = "CONFLICT"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidFlagType ErrorCode = "INVALID_FLAG_TYPE"
	ErrCodeInvalidSample   ErrorCode = "INVALID_SAMPLE_RATE"
	ErrCodeInvalidRange    ErrorCode = "INVALID_DATE_RANGE"
	ErrCodeRangeTooLarge   ErrorCode = "DATE_RANGE_TOO_LARGE"

	// Evaluation
	ErrCodeEvaluation ErrorCode = "EVALUATION_ERROR"

	// Admin access
	ErrCodeUnauthorizedAccess ErrorCode = "UNAUTHORIZED_ACCESS"
	ErrCodeAdminDisabled      ErrorCode = "ADMIN_ACCESS_DISABLED"
	ErrCodeOrgRequired        ErrorCode = "ORGANIZATION_REQUIRED"

	// Resource lookups
	ErrCodeFlagNotFound     ErrorCode = "FLAG_NOT_FOUND"
	ErrCodeOverrideNotFound ErrorCode = "OVERRIDE_NOT_FOUND"
	ErrCodeAuditNotFound    ErrorCode = "AUDIT_NOT_FOUND"

	// Export
	ErrCodeExport ErrorCode = "EXPORT_ERROR"
)

// ErrorResponse is the structured error body every endpoint returns.
//
//	{
//	  "error": "Not Found",
//	  "message": "Flag not found",
//	  "code": "FLAG_NOT_FOUND",
//	  "request_id": "abc123"
//	}
type ErrorResponse struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Code      ErrorCode         `json:"code"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp *ErrorResponse) {
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		errResp.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errResp)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code ErrorCode, message string) {
	writeErrorResponse(w, r, statusCode, &ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	})
}

// ValidationError reports a 400 with field-level details.
func ValidationError(w http.ResponseWriter, r *http.Request, message string, fields map[string]string) {
	writeErrorResponse(w, r, http.StatusBadRequest, &ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Message: message,
		Code:    ErrCodeValidation,
		Fields:  fields,
	})
}

// BadRequestError reports a 400 with the given code.
func BadRequestError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	writeError(w, r, http.StatusBadRequest, code, message)
}

// UnauthorizedError reports a 401.
func UnauthorizedError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// ForbiddenError reports a 403 with the given code.
func ForbiddenError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	writeError(w, r, http.StatusForbidden, code, message)
}

// NotFoundError reports a 404 with the given code.
func NotFoundError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	writeError(w, r, http.StatusNotFound, code, message)
}

// ConflictError reports a 409.
func ConflictError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusConflict, ErrCodeConflict, message)
}

// InternalError reports a 500.
func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, message)
}

// StorageError reports a 500 with the storage code.
func StorageError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusInternalServerError, ErrCodeStorage, message)
}
