package api

import (
	"net/http"
	"strings"
)

func handleGetFilters(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deps.Sessions.Current(sessionID))
}

// handleClearFilters drops a session's filter context. Clearing is
// always caller-initiated; the engine itself never resets filters.
func handleClearFilters(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deps.Sessions.Clear(sessionID))
}

func sessionFromRequest(deps Dependencies, w http.ResponseWriter, r *http.Request) (string, bool) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session dependencies are not configured", false, nil)
		return "", false
	}
	sessionID := strings.TrimSpace(r.PathValue("session"))
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session path segment is required", false, nil)
		return "", false
	}
	return sessionID, true
}
