package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/basket/go-amplifier/internal/session"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}

// writeSessionError maps a session error onto its status and code. Other
// errors become 500 with fallbackCode.
func writeSessionError(w http.ResponseWriter, err error, fallbackCode, fallbackPrefix string, details map[string]any) {
	var se *session.Error
	if errors.As(err, &se) {
		msg := se.Message
		if msg == "" {
			msg = se.Error()
		}
		writeError(w, se.Kind.HTTPStatus(), se.Code(), msg, mergeDetails(details, se.Details))
		return
	}
	writeError(w, http.StatusInternalServerError, fallbackCode, fallbackPrefix+err.Error(), details)
}
