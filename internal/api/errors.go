package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/taskwatch/internal/cachebridge"
	"github.com/phrazzld/taskwatch/internal/progress"
	"github.com/phrazzld/taskwatch/internal/remote"
	"github.com/phrazzld/taskwatch/internal/session"
	"github.com/phrazzld/taskwatch/internal/task"
	"github.com/phrazzld/taskwatch/internal/tracker"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing the internal error types to clients.
func MapErrorToStatusCode(err error) int {
	var statusErr *remote.StatusError

	switch {
	case errors.Is(err, task.ErrInvalidTask):
		return http.StatusBadRequest

	case errors.Is(err, tracker.ErrUnauthenticated),
		errors.Is(err, remote.ErrUnauthorized),
		errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, session.ErrExpiredToken):
		return http.StatusUnauthorized

	case errors.Is(err, cachebridge.ErrUnknownResult):
		return http.StatusNotFound

	case errors.Is(err, progress.ErrInvalidTransition):
		return http.StatusConflict

	case errors.As(err, &statusErr):
		if statusErr.Code == http.StatusConflict {
			return http.StatusConflict
		}
		return http.StatusBadGateway

	case errors.Is(err, remote.ErrNotAccepted):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a user-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var statusErr *remote.StatusError

	switch {
	case errors.Is(err, task.ErrInvalidTask):
		return "Invalid task"
	case errors.Is(err, tracker.ErrUnauthenticated):
		return "Not signed in"
	case errors.Is(err, remote.ErrUnauthorized):
		return "Job server rejected the session"
	case errors.Is(err, session.ErrExpiredToken):
		return "Session token expired"
	case errors.Is(err, session.ErrInvalidToken):
		return "Invalid session token"
	case errors.Is(err, cachebridge.ErrUnknownResult):
		return "No result available for this task"
	case errors.Is(err, progress.ErrInvalidTransition):
		return "Progress view cannot do that now"
	case errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict:
		return "Job server reports a conflicting job"
	case errors.As(err, &statusErr), errors.Is(err, remote.ErrNotAccepted):
		return "Job server request failed"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator errors into a short message naming
// the first failing field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), getValidationTagMessage(fe.Tag()))
	}
	return "Validation error"
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "oneof":
		return "invalid value"
	case "bcp47_language_tag":
		return "invalid language tag"
	default:
		return "validation failed"
	}
}
