// Package responders carries the JSON response helper shared by the HTTP
// handlers.
package responders

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// JSON writes payload as an application/json response. The payload is
// encoded before the status line goes out so a marshal failure can still
// turn into a 500 instead of a 2xx with a truncated body. A nil payload
// writes just the status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	if payload == nil {
		w.WriteHeader(status)
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"response encoding failed"}`))
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
