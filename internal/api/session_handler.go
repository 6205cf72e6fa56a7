package api

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskwatch/internal/api/shared"
	"github.com/phrazzld/taskwatch/internal/platform/logger"
	"github.com/phrazzld/taskwatch/internal/session"
)

// SessionManager holds the daemon's bearer token.
type SessionManager interface {
	SetToken(token string) (session.Claims, error)
	Clear()
	Authenticated() bool
	Claims() session.Claims
}

// SessionHandler serves the session endpoints used by the UI to sign the
// daemon in and out.
type SessionHandler struct {
	session SessionManager
	logger  *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(s SessionManager, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		session: s,
		logger:  logger.With(slog.String("component", "session_handler")),
	}
}

// GetSession handles GET /api/session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.session.Authenticated() {
		shared.RespondWithJSON(w, r, http.StatusOK, SessionResponse{})
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, sessionResponse(h.session.Claims()))
}

// SetSession handles PUT /api/session.
func (h *SessionHandler) SetSession(w http.ResponseWriter, r *http.Request) {
	var req SetSessionRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	claims, err := h.session.SetToken(req.Token)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	logger.FromContextOrDefault(r.Context(), h.logger).Info("signed in", slog.String("subject", claims.Subject))
	shared.RespondWithJSON(w, r, http.StatusOK, sessionResponse(claims))
}

// ClearSession handles DELETE /api/session.
func (h *SessionHandler) ClearSession(w http.ResponseWriter, r *http.Request) {
	h.session.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func sessionResponse(c session.Claims) SessionResponse {
	resp := SessionResponse{Authenticated: true, Subject: c.Subject}
	if !c.ExpiresAt.IsZero() {
		exp := c.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}
