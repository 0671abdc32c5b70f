package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/captionq/internal/api/shared"
	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking their types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrDuplicateActiveTask),
		errors.Is(err, domain.ErrTaskTerminal),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrUnsupportedSchemaVersion),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return "Task not found"
	case errors.Is(err, domain.ErrDuplicateActiveTask),
		errors.Is(err, store.ErrDuplicate):
		return "User already has an active task"
	case errors.Is(err, domain.ErrTaskTerminal):
		return "Task already finished"
	case errors.Is(err, domain.ErrInvalidPayload):
		return "Invalid task payload"
	case errors.Is(err, domain.ErrUnsupportedSchemaVersion):
		return "Unsupported payload version"
	case errors.Is(err, domain.ErrValidation):
		return "Validation error"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return "Queue temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator errors into a message naming the
// first offending field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte", "gt":
		return "too small"
	case "max", "lte", "lt":
		return "too large"
	case "oneof":
		return "invalid value"
	case "ne":
		return "must not be zero"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the mapped status and safe message for err and logs
// the redacted cause.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, userMessage string) {
	status := MapErrorToStatusCode(err)
	if status != http.StatusInternalServerError {
		userMessage = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, userMessage, err)
}
