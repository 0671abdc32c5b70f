package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/captionq/internal/domain"
)

// getPathTaskID extracts and validates the {id} path parameter.
func getPathTaskID(r *http.Request) (string, error) {
	param := chi.URLParam(r, "id")
	if param == "" {
		return "", fmt.Errorf("%w: task id is required", domain.ErrValidation)
	}
	id, err := uuid.Parse(param)
	if err != nil {
		return "", fmt.Errorf("%w: task id has invalid format", domain.ErrValidation)
	}
	return id.String(), nil
}
