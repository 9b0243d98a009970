package httptransport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pidserv/internal/dispatch"
	"pidserv/internal/platform/middleware"
	"pidserv/pkg/anvl"
	"pidserv/pkg/sentinel"
)

const maxBodyBytes = 1 << 20

// readMetadata parses an ANVL request body.
func readMetadata(r *http.Request) (map[string]string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", sentinel.ErrBadRequest)
	}
	d, err := anvl.Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, sentinel.ErrBadRequest)
	}
	return d, nil
}

// writeSuccess emits the "success: <id>" response line, followed by a
// metadata record when there is one.
func writeSuccess(w http.ResponseWriter, status int, id string, metadata map[string]string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	out := "success: " + anvl.EncodeValue(id) + "\n"
	if len(metadata) > 0 {
		out += anvl.Format(metadata)
	}
	io.WriteString(w, out)
}

// writeError maps domain errors onto the "error: <reason>" response
// taxonomy. Authorization failures become 401 for anonymous callers, who may
// just need to present credentials, and 403 for everyone else.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	reason := "internal server error"
	switch {
	case errors.Is(err, sentinel.ErrBadRequest), errors.Is(err, sentinel.ErrAlreadyExists):
		status = http.StatusBadRequest
		reason = err.Error()
		if !strings.HasPrefix(reason, "bad request") {
			reason = "bad request - " + reason
		}
	case errors.Is(err, sentinel.ErrForbidden):
		if middleware.GetCaller(r.Context()) == dispatch.Anonymous {
			status = http.StatusUnauthorized
			reason = "unauthorized"
			w.Header().Set("WWW-Authenticate", `Basic realm="pidserv"`)
		} else {
			status = http.StatusForbidden
			reason = "forbidden"
		}
	case errors.Is(err, sentinel.ErrImmutable):
		status = http.StatusForbidden
		reason = err.Error()
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
		reason = "no such identifier"
	case errors.Is(err, sentinel.ErrBusy):
		status = http.StatusServiceUnavailable
		reason = "concurrency limit exceeded"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, "error: "+sanitizeReason(reason)+"\n")
}

// sanitizeReason keeps the reason on one line.
func sanitizeReason(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}
