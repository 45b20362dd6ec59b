// Package apperrors defines the structured errors returned to HTTP clients.
// Every failure leaving the service is converted to an AppError at the
// handler boundary so that clients always receive a JSON body with an
// "error" message.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error code.
type ErrorCode string

const (
	ErrCodeMissingInput            ErrorCode = "MISSING_INPUT"
	ErrCodeInvalidInput            ErrorCode = "INVALID_INPUT"
	ErrCodeUnsupportedFormat       ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCodeNoVoiceDetected         ErrorCode = "NO_VOICE_DETECTED"
	ErrCodeNoFaceDetected          ErrorCode = "NO_FACE_DETECTED"
	ErrCodeFeatureExtractionFailed ErrorCode = "FEATURE_EXTRACTION_FAILED"
	ErrCodeNotFound                ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized            ErrorCode = "UNAUTHORIZED"
	ErrCodeAuthenticationFailed    ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeReenrollmentRequired    ErrorCode = "RE_ENROLLMENT_REQUIRED"
	ErrCodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeUnexpectedFailure       ErrorCode = "UNEXPECTED_FAILURE"
)

// AppError is the error type understood by the HTTP layer.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]any
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an AppError.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// MissingInput reports a required multipart field that was not sent.
func MissingInput(message string) *AppError {
	return New(ErrCodeMissingInput, message, http.StatusBadRequest)
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid input: %s", reason), http.StatusBadRequest).
		WithDetail("field", field)
}

// UnsupportedFormat reports an upload the decoders cannot read.
func UnsupportedFormat(cause error) *AppError {
	return New(ErrCodeUnsupportedFormat, "Unsupported or unreadable audio format", http.StatusBadRequest).
		WithCause(cause)
}

// NoVoiceDetected reports audio in which voice-activity detection found nothing.
func NoVoiceDetected() *AppError {
	return New(ErrCodeNoVoiceDetected, "No voice detected in audio", http.StatusBadRequest)
}

// NoFaceDetected reports an image without a detectable face.
func NoFaceDetected() *AppError {
	return New(ErrCodeNoFaceDetected, "No face detected", http.StatusBadRequest)
}

// FeatureExtractionFailed reports a numeric failure while summarising the voice.
func FeatureExtractionFailed(cause error) *AppError {
	return New(ErrCodeFeatureExtractionFailed, "Failed to extract voice features", http.StatusBadRequest).
		WithCause(cause)
}

// NotFound reports a missing resource.
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetail("resource", resource)
}

// Unauthorized reports a missing or invalid token.
func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// AuthenticationFailed reports a biometric sample that did not match the enrolled one.
func AuthenticationFailed(message string) *AppError {
	return New(ErrCodeAuthenticationFailed, message, http.StatusUnauthorized)
}

// ReenrollmentRequired reports an enrolled template that can no longer be
// compared with new samples, such as after the embedding backend changed.
func ReenrollmentRequired(method string) *AppError {
	return New(ErrCodeReenrollmentRequired,
		fmt.Sprintf("Enrolled %s profile is incompatible with the current model, please register again", method),
		http.StatusConflict).
		WithDetail("method", method)
}

// ServiceUnavailable reports a capability that is not configured on this instance.
func ServiceUnavailable(capability string) *AppError {
	return New(ErrCodeServiceUnavailable, fmt.Sprintf("%s is not available", capability), http.StatusServiceUnavailable).
		WithDetail("capability", capability)
}

// Unexpected wraps an unclassified failure.
func Unexpected(cause error) *AppError {
	return New(ErrCodeUnexpectedFailure, "Internal server error", http.StatusInternalServerError).
		WithCause(cause)
}

// As returns err as an AppError when it is one.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Response is the JSON body written for failures.
type Response struct {
	Error   string         `json:"error"`
	Code    ErrorCode      `json:"code"`
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
}

// ToResponse converts the error into its client representation.
func (e *AppError) ToResponse() Response {
	return Response{
		Error:   e.Message,
		Code:    e.Code,
		Success: false,
		Details: e.Details,
	}
}
