// Package httpx holds the small set of JSON response helpers shared by
// the ingestor and operator API handlers, so every endpoint returns the
// same {success, error} envelope on failure.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/sshguardian/core/internal/wire"
)

// WriteJSON marshals v as the response body with the given status code.
// Encode failures are discarded: the status line has already been
// written by then.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the stable wire.ErrorEnvelope shape, never leaking
// internal error detail beyond msg.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, wire.ErrorEnvelope{Success: false, Error: msg})
}

// DecodeJSON decodes the request body into dst, writing a 400 error
// envelope and returning false if the body is missing or malformed.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		WriteError(w, http.StatusBadRequest, "missing request body")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}
