package converge

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rtmx-ai/rtmx-trust/internal/grant"
	"github.com/rtmx-ai/rtmx-trust/internal/platform/httpx"
	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
)

// Handler serves the peer-facing sync surface: the state exchange plus
// the raw requirement reads peers use for shadow refresh and
// cross-repo validation.
type Handler struct {
	logger  *slog.Logger
	manager *Manager
	db      *requirement.Database
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, manager *Manager, db *requirement.Database) *Handler {
	return &Handler{logger: logger, manager: manager, db: db}
}

// MountRoutes registers sync routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.exchange)
	r.Get("/status", h.status)
	r.Get("/requirements/{id}", h.requirementByID)
	r.Get("/database", h.database)
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request) {
	var remote grant.State
	if err := httpx.DecodeJSON(r, &remote); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed state payload")
		return
	}
	local := h.manager.HandleExchange(r.Context(), remote)
	h.logger.Info("state exchanged",
		"peer_replica", remote.Replica,
		"received_grants", len(remote.Grants),
		"received_tombstones", len(remote.Tombstones))
	httpx.JSON(w, http.StatusOK, local)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.manager.Peers())
}

func (h *Handler) requirementByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.db.Get(id)
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown requirement "+id)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) database(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.db.All())
}
