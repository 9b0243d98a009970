package httptransport

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"pidserv/internal/platform/middleware"
	"pidserv/internal/search"
	"pidserv/pkg/anvl"
	"pidserv/pkg/sentinel"
)

// handleResolve serves resolution requests, whose path component is the
// identifier itself. A trailing "?" is an inflection asking for a brief
// citation record, "??" (or an explicit "info" query) for the full one.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "error: method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if id == "" {
		writeError(w, r, sentinel.ErrNotFound)
		return
	}

	// "/ark:/x??" arrives as RawQuery "?"; "/ark:/x?" as ForceQuery with an
	// empty RawQuery.
	if r.URL.RawQuery == "?" || r.URL.Query().Has("info") {
		h.handleInflection(w, r, id, true)
		return
	}
	if r.URL.ForceQuery && r.URL.RawQuery == "" {
		// A lone "?" on an unknown identifier falls back to a plain lookup,
		// so extra suffix characters still pass through to the target.
		if h.handleInflection(w, r, id, false) {
			return
		}
	}

	// Crawlers walk the whole namespace; keep them out of the target cache.
	fillCache := !useragent.New(r.UserAgent()).Bot()

	res, err := h.svc.Resolve(r.Context(), id, fillCache)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Unavailable {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusGone)
		d := map[string]string{"_status": "unavailable"}
		if res.Reason != "" {
			d["_status"] = "unavailable | " + res.Reason
		}
		w.Write([]byte("error: gone\n" + anvl.Format(d)))
		return
	}
	http.Redirect(w, r, res.Target, http.StatusFound)
}

// handleInflection writes the metadata view. In brief form an unknown
// identifier is not an error; the caller falls back to resolution and the
// return value reports whether a response was written.
func (h *Handler) handleInflection(w http.ResponseWriter, r *http.Request, id string, full bool) bool {
	caller := middleware.GetCaller(r.Context())
	rec, err := h.svc.View(r.Context(), caller, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrBadRequest) {
			// Not a well-formed identifier, which the resolver namespace
			// treats the same as an unregistered one.
			err = sentinel.ErrNotFound
		}
		if !full && errors.Is(err, sentinel.ErrNotFound) {
			return false
		}
		writeError(w, r, err)
		return true
	}
	if full {
		writeSuccess(w, http.StatusOK, rec.Identifier, rec.Snapshot())
		return true
	}
	creator, title, _, date := search.MapCitation(rec.Metadata)
	brief := map[string]string{}
	for label, v := range map[string]string{
		"erc.who": creator, "erc.what": title, "erc.when": date,
	} {
		if v != "" {
			brief[label] = v
		}
	}
	writeSuccess(w, http.StatusOK, rec.Identifier, brief)
	return true
}
