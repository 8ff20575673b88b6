// Package httpjson writes the JSON error and value bodies shared by every
// HTTP surface.
package httpjson

import (
	"encoding/json"
	"net/http"

	"github.com/elnormous/contenttype"
)

// MediaType is application/json.
var MediaType = contenttype.NewMediaType("application/json")

// WriteError writes {"error":{"code":status,"message":msg}}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == MediaType.String() {
		w.Header().Set("Content-Type", MediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Write encodes v with status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", MediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
