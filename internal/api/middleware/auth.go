package middleware

import (
	"net/http"

	"github.com/phrazzld/taskwatch/internal/api/shared"
)

// Authenticator reports whether the daemon holds a valid session.
type Authenticator interface {
	Authenticated() bool
}

// RequireSession rejects requests with 401 while there is no valid session.
// A nil authenticator lets every request through.
func RequireSession(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth != nil && !auth.Authenticated() {
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Not signed in")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
