package api

import (
	"bytes"
	"io"
	"net/http"
)

// maxRequestBody caps inbound request bodies.
const maxRequestBody = 1 << 20

// captureBody reads the body, capped at maxRequestBody, and replaces it
// so it can be decoded again.
func captureBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
