package httptransport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"pidserv/internal/platform/middleware"
	"pidserv/pkg/sentinel"
)

// idFromPath extracts the identifier from a path like "/id/ark:/99166/x".
// The raw escaped path is used so percent-encoded identifier characters
// survive; canonicalization happens in the dispatch layer.
func idFromPath(r *http.Request, prefix string) string {
	p := r.URL.EscapedPath()
	return strings.TrimPrefix(p, prefix)
}

func (h *Handler) handleMint(w http.ResponseWriter, r *http.Request) {
	metadata, err := readMetadata(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := middleware.GetCaller(r.Context())
	rec, err := h.svc.Mint(r.Context(), caller, idFromPath(r, "/shoulder/"), metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, rec.Identifier, nil)
}

func (h *Handler) handleCreateShoulder(w http.ResponseWriter, r *http.Request) {
	d, err := readMetadata(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := middleware.GetCaller(r.Context())
	sh, err := h.svc.CreateShoulder(r.Context(), caller, idFromPath(r, "/shoulder/"), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, sh.Prefix, nil)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	metadata, err := readMetadata(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := middleware.GetCaller(r.Context())
	updateIfExists := r.URL.Query().Get("update_if_exists") == "yes"
	rec, err := h.svc.Create(r.Context(), caller, idFromPath(r, "/id/"), metadata, updateIfExists)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, rec.Identifier, nil)
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetCaller(r.Context())
	rec, err := h.svc.View(r.Context(), caller, idFromPath(r, "/id/"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec.Identifier, rec.Snapshot())
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	metadata, err := readMetadata(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := middleware.GetCaller(r.Context())
	rec, err := h.svc.Update(r.Context(), caller, idFromPath(r, "/id/"), metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec.Identifier, nil)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetCaller(r.Context())
	id := idFromPath(r, "/id/")
	if err := h.svc.Delete(r.Context(), caller, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, id, nil)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	d := map[string]string{
		"paused": strconv.FormatBool(report.Paused),
	}
	for reg, depth := range report.Queues {
		d[string(reg)+"_queue"] = fmt.Sprintf("%d pending, %d permanent errors",
			depth.Pending, depth.Permanent)
	}
	for user, n := range report.Active {
		d["active_"+user] = strconv.Itoa(n)
	}
	for user, n := range report.Waiting {
		d["waiting_"+user] = strconv.Itoa(n)
	}
	writeSuccess(w, http.StatusOK, "pidserv status", d)
}

// handlePause toggles the global operation pause. op=on|off|idlewait is
// admin-only; a plain GET reports the flag.
func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Query().Get("op")
	if op == "" {
		report, err := h.svc.Status(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, "pause",
			map[string]string{"paused": strconv.FormatBool(report.Paused)})
		return
	}
	caller := middleware.GetCaller(r.Context())
	if !caller.IsAdmin {
		writeError(w, r, sentinel.ErrForbidden)
		return
	}
	var on bool
	switch op {
	case "on":
		on = true
	case "off":
		on = false
	default:
		writeError(w, r, fmt.Errorf("op must be on or off: %w", sentinel.ErrBadRequest))
		return
	}
	was := h.svc.Pause(on)
	writeSuccess(w, http.StatusOK, "pause", map[string]string{
		"paused":     strconv.FormatBool(on),
		"was_paused": strconv.FormatBool(was),
	})
}
