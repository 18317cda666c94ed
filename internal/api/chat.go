package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/datachat/datachat/internal/router"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Utterance string `json:"utterance"`
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return
	}

	var request chatRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SessionID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session_id is required", false, nil)
		return
	}
	if strings.TrimSpace(request.Utterance) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "UTTERANCE_REQUIRED", "utterance is required", false, nil)
		return
	}

	response := deps.Engine.Handle(r.Context(), router.Request{
		SessionID: strings.TrimSpace(request.SessionID),
		Utterance: request.Utterance,
	})
	writeJSON(w, statusForResponse(response), response)
}

// statusForResponse maps terminal states onto HTTP statuses. A
// clarification request is a successful turn, not an error.
func statusForResponse(response router.Response) int {
	if response.Kind != router.KindError || response.Error == nil {
		return http.StatusOK
	}
	switch response.Error.Code {
	case router.CodeCatalogUnavailable:
		return http.StatusServiceUnavailable
	case router.CodeInvalidQuery:
		return http.StatusBadRequest
	case router.CodeSynthesisFailed, router.CodeExecutionError:
		return http.StatusBadGateway
	case router.CodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
