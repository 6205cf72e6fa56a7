package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// getPathTaskID returns the unescaped {id} URL parameter. Repository task IDs
// contain a slash, which clients send escaped as %2F.
func getPathTaskID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		return "", errors.New("task id is required")
	}
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	return id, nil
}
