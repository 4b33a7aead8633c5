package httpserver

import (
	"encoding/json"
	"io"
)

// maxRequestBody caps JSON request bodies. Checkout payloads are well under
// a kilobyte; the cap exists so a hostile body can't balloon memory.
const maxRequestBody = 64 << 10

// decodeJSON decodes a JSON request body into the destination struct,
// rejecting unknown fields. The reader is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
