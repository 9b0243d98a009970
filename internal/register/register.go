// Package register pushes identifier operations to the external registries.
// Workers drain the per-registrar queues and drive idempotent adapters; the
// only identifier-record writes from here are Crossref status reflections.
package register

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PermanentError marks a registry rejection that retrying cannot fix, e.g. a
// validation failure. The queue row is parked with error_is_permanent set and
// later rows for the same identifier proceed.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent registry error: " + e.Reason
}

// IsPermanent reports whether err carries a *PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyResponse converts an HTTP response into the adapter error contract:
// nil for 2xx, *PermanentError for client errors that will not succeed on
// retry, a plain error otherwise. 408 and 429 stay recoverable.
func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests {
		return &PermanentError{Reason: msg}
	}
	return errors.New(msg)
}
