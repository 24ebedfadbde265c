package models

import "net/http"

// Error codes carried in ErrorResponse.Error.
const (
	ErrCodeValidation             = "validation_error"
	ErrCodeNotFound               = "not_found"
	ErrCodePolicy                 = "policy_error"
	ErrCodeAudit                  = "audit_error"
	ErrCodeEnforcementUnavailable = "enforcement_unavailable"
	ErrCodeForbidden              = "forbidden"
	ErrCodeRateLimited            = "rate_limited"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Code    int         `json:"code"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(code int, err string, message string, details interface{}) *ErrorResponse {
	return &ErrorResponse{
		Error:   err,
		Message: message,
		Details: details,
		Code:    code,
	}
}

// ValidationError names the rule field that was rejected.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewValidationErrorResponse creates a 400 response pointing at one field.
func NewValidationErrorResponse(message, field, reason string) *ErrorResponse {
	return NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, message, ValidationError{Field: field, Message: reason})
}
