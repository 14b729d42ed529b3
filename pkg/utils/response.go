package utils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// RespondJSON writes payload as a JSON response.
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// RespondError writes {"error": message}.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// DecodeJSON reads a JSON request body into dst. The body is limited to
// limit bytes when limit is positive.
func DecodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	return json.NewDecoder(body).Decode(dst)
}
