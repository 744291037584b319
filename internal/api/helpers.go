package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mplp/coordinator/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCoordinationError maps err's code to an HTTP status and writes it
// with the code and details.
func writeCoordinationError(w http.ResponseWriter, err error) {
	var cerr *schema.CoordinationError
	if !errors.As(err, &cerr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusForCode(cerr.Code), map[string]any{
		"error":   cerr.Message,
		"code":    cerr.Code,
		"stage":   cerr.Stage,
		"details": cerr.Details,
	})
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeConfiguration, schema.ErrCodeModuleNotRegistered:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeBackpressure:
		return http.StatusTooManyRequests
	case schema.ErrCodeShutdown:
		return http.StatusServiceUnavailable
	case schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
