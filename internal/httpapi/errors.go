package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
)

// errorBody is the uniform error envelope: {error, code, timestamp,
// details?} with code from the closed taxonomy.
type errorBody struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	body := errorBody{
		Error:     apperr.Message(err),
		Code:      string(code),
		Timestamp: time.Now().UTC(),
		Details:   apperr.Details(err),
	}
	// Internal causes never leak details to the client.
	if code == apperr.CodeInternal || code == apperr.CodeConfiguration {
		body = errorBody{
			Error:     "internal error",
			Code:      string(apperr.CodeInternal),
			Timestamp: body.Timestamp,
		}
	}
	writeJSON(w, apperr.HTTPStatus(code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
