// Package httputil builds the outbound HTTP clients used by the upstream
// adapters.
package httputil

import (
	"net/http"
	"time"
)

// NewClient returns an HTTP client with its own pooled transport. The
// checkout path talks to a single PMS host, so per-host idle capacity is
// what keeps hold and booking calls off fresh TCP handshakes; the totals
// stay small because there is no fan-out.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
