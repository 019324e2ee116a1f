package requirement

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rtmx-ai/rtmx-trust/internal/platform/httpx"
)

// RemotesHandler manages the registry of remote repositories.
type RemotesHandler struct {
	logger    *slog.Logger
	remotes   *Remotes
	db        *Database
	fetcher   Fetcher
	validator *validator.Validate
}

// NewRemotesHandler constructs a RemotesHandler instance.
func NewRemotesHandler(logger *slog.Logger, remotes *Remotes, db *Database, fetcher Fetcher) *RemotesHandler {
	return &RemotesHandler{
		logger:    logger,
		remotes:   remotes,
		db:        db,
		fetcher:   fetcher,
		validator: validator.New(),
	}
}

// MountRoutes registers remote registry routes on the provided router.
func (h *RemotesHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.add)
	r.Delete("/{alias}", h.remove)
	r.Post("/validate", h.validate)
}

type remoteForm struct {
	Alias   string `json:"alias" validate:"required"`
	Repo    string `json:"repo" validate:"required,contains=/"`
	BaseURL string `json:"base_url" validate:"required,url"`
}

func (h *RemotesHandler) list(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.remotes.List())
}

func (h *RemotesHandler) add(w http.ResponseWriter, r *http.Request) {
	var form remoteForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	remote := Remote{Alias: form.Alias, Repo: form.Repo, BaseURL: form.BaseURL}
	if err := h.remotes.Add(remote); err != nil {
		if errors.Is(err, ErrRemoteExists) {
			httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("remote registered", "alias", remote.Alias, "repo", remote.Repo)
	httpx.JSON(w, http.StatusCreated, remote)
}

func (h *RemotesHandler) remove(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if err := h.remotes.Remove(alias); err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Remote Not Found", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("remote removed", "alias", alias)
	w.WriteHeader(http.StatusNoContent)
}

// validate runs cross-repository dependency validation over the local
// database and reports errors and warnings without failing the request.
func (h *RemotesHandler) validate(w http.ResponseWriter, r *http.Request) {
	errs, warnings := ValidateCrossRepo(r.Context(), h.db, h.remotes, h.fetcher)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"errors":   errs,
		"warnings": warnings,
	})
}
