package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrRunAborted signals cooperative cancellation. Records emitted before
// the stop are unaffected; no further output occurs.
var ErrRunAborted = errors.New("run aborted")

// PageFetchError reports a failed page fetch, after the transport has
// given up on one attempt. Retryable failures are re-attempted by the
// orchestrator with backoff.
type PageFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *PageFetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Client errors other than rate limiting and blocks are terminal.
func (e *PageFetchError) Retryable() bool {
	switch e.Status {
	case 0:
		// Transport-level failure.
		return true
	case http.StatusTooManyRequests,
		http.StatusForbidden,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// PageStructureError reports a page with no listing blocks or a missing
// pagination anchor. It ends the job's pagination rather than the run.
type PageStructureError struct {
	URL string
}

func (e *PageStructureError) Error() string {
	return fmt.Sprintf("no listing blocks found on %s", e.URL)
}

// errorTypeLabel maps a fetch failure to a metrics/log category.
func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var fetchErr *PageFetchError
	if errors.As(err, &fetchErr) {
		switch fetchErr.Status {
		case http.StatusForbidden:
			return "forbidden"
		case http.StatusNotFound:
			return "not_found"
		case http.StatusTooManyRequests:
			return "rate_limited"
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return "server_error"
		}
		err = fetchErr.Err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}

	var structErr *PageStructureError
	if errors.As(err, &structErr) {
		return "page_structure"
	}
	return "other"
}
