// Package httptransport is the thin HTTP layer. Handlers translate between
// the ANVL wire format and the dispatch façade without embedding business
// logic.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"pidserv/internal/dispatch"
	"pidserv/internal/platform/middleware"
)

// Handler bundles the dependencies of every endpoint.
type Handler struct {
	svc    *dispatch.Service
	logger *slog.Logger
}

func NewHandler(svc *dispatch.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// NewRouter wires all public endpoints. The catch-all handles resolution
// requests, whose paths are themselves identifiers ("/ark:/99166/...").
func NewRouter(h *Handler, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.BasicAuth(h.svc, h.logger))

	r.Handle("/metrics", metricsHandler)
	r.Get("/status", h.handleStatus)
	r.Get("/admin/pause", h.handlePause)

	r.Route("/id", func(r chi.Router) {
		r.Get("/*", h.handleView)
		r.Put("/*", h.handleCreate)
		r.Post("/*", h.handleUpdate)
		r.Delete("/*", h.handleDelete)
	})
	r.Post("/shoulder/*", h.handleMint)
	r.Put("/shoulder/*", h.handleCreateShoulder)

	r.NotFound(h.handleResolve)
	return r
}
