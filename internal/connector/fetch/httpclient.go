package fetch

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/syncd/internal/synerr"
)

// NewHTTPClient returns an *http.Client with a per-request timeout
// (default 30s).
func NewHTTPClient(timeoutMs int) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 30_000
	}
	return &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}
}

// ClassifyResponse converts a completed HTTP response into a classified
// error, or nil when status < 400. It also extracts Retry-After for 429s.
func ClassifyResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	class := synerr.ClassifyHTTPStatus(resp.StatusCode)
	se := synerr.Wrap("http_"+http.StatusText(resp.StatusCode), class,
		string(body), nil)
	if resp.StatusCode == 429 {
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		se.Code = synerr.CodeAuthFailed
		se.Class = synerr.Permanent
	}
	return se
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil && seconds > 0 {
		return seconds
	}
	return 1
}
