// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/campuskit/enrolld/internal/log"
)

// errorBody is the JSON error envelope. Reason mirrors the decision reason
// codes where one applies.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().
			Err(err).
			Str("request_id", log.RequestIDFromContext(r.Context())).
			Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, errorBody{
		Error:     code,
		Message:   message,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}
