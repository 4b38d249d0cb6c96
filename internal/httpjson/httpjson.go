// Package httpjson holds the JSON response helpers shared by the HTTP
// surfaces.
package httpjson

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBody caps request bodies read by Decode.
const maxBody = 1 << 20

func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func Error(w http.ResponseWriter, err error, status int) {
	Respond(w, status, map[string]string{"error": err.Error()})
}

// Decode reads a JSON request body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
