package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// NewJSONRequest builds a request with a JSON encoded body (nil body allowed).
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ReadErrorBody reads at most a few KB of an error response for diagnostics.
func ReadErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return Truncate(RedactSecrets(strings.TrimSpace(string(body))), 500)
}

// IsSuccess reports a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}

// Truncate shortens s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

var secretPattern = regexp.MustCompile(`(?i)(bearer\s+|api[_-]?key["'=:\s]+|xi-api-key["'=:\s]+|x-gladia-key["'=:\s]+)[A-Za-z0-9._\-]{8,}`)

// RedactSecrets masks credentials that upstreams sometimes echo back.
func RedactSecrets(s string) string {
	return secretPattern.ReplaceAllString(s, "${1}[redacted]")
}
