package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"paycore/internal/payment"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Common error codes
const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeUnsupportedCurrency = "UNSUPPORTED_CURRENCY"
	ErrCodeUnsupported         = "UNSUPPORTED_OPERATION"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeProcessing          = "PROCESSING_FAILED"
	ErrCodeUnhandledEvent      = "UNHANDLED_EVENT"
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// WriteErrorWithDetails writes an error response with details
func WriteErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	WriteJSON(w, status, Response[any]{
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// BadRequest writes a 400 response
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized writes a 401 response
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// NotFound writes a 404 response
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict writes a 409 response
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ErrCodeConflict, message)
}

// InternalError writes a 500 response
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ValidationError writes a 422 response with validation details
func ValidationError(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		details := make(map[string]string)
		for _, e := range validationErrors {
			details[e.Field()] = formatValidationError(e)
		}
		WriteErrorWithDetails(w, http.StatusUnprocessableEntity, ErrCodeValidation, "Validation failed", details)
		return
	}
	WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
}

// PaymentError maps a payment error onto a status code and error code. A
// failed processor call is a 502; unknown errors become a 500 without
// leaking their message.
func PaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrUnsupportedCurrency):
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeUnsupportedCurrency, err.Error())
	case errors.Is(err, payment.ErrValidation):
		ValidationError(w, err)
	case errors.Is(err, payment.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, payment.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, payment.ErrUnsupportedOperation):
		WriteError(w, http.StatusBadRequest, ErrCodeUnsupported, err.Error())
	case errors.Is(err, payment.ErrProcessing):
		WriteError(w, http.StatusBadGateway, ErrCodeProcessing, err.Error())
	default:
		InternalError(w, "Internal error")
	}
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "len":
		return "Must be exactly " + e.Param() + " characters"
	case "alpha":
		return "Must contain letters only"
	case "url":
		return "Must be a valid URL"
	case "ulid":
		return "Must be a valid ULID"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "gt":
		return "Must be greater than " + e.Param()
	case "max":
		return "Must be at most " + e.Param()
	default:
		return "Invalid value"
	}
}

// Validate is a shared validator instance
var Validate = validator.New()

// DecodeAndValidate decodes JSON and validates the result
func DecodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return Validate.Struct(v)
}
