package shadow

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/rtmx-ai/rtmx-trust/internal/decision"
	"github.com/rtmx-ai/rtmx-trust/internal/platform/httpx"
	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
	"github.com/rtmx-ai/rtmx-trust/internal/roles"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
)

// Handler serves requirement views bounded by access decisions. Local
// references come straight from the database; cross-repository ones go
// through the decision engine and the resolver.
type Handler struct {
	logger    *slog.Logger
	db        *requirement.Database
	engine    *decision.Engine
	resolver  *Resolver
	status    requirement.StatusLookup
	localRepo string
}

// NewHandler constructs a Handler instance. The status lookup derives
// BLOCKED for local requirements with incomplete dependencies; nil
// limits the derivation to local dependencies.
func NewHandler(logger *slog.Logger, db *requirement.Database, engine *decision.Engine, resolver *Resolver, status requirement.StatusLookup, localRepo string) *Handler {
	return &Handler{
		logger:    logger,
		db:        db,
		engine:    engine,
		resolver:  resolver,
		status:    status,
		localRepo: localRepo,
	}
}

// MountRoutes registers the requirement view route. The reference is
// the full tail of the path so "acme/platform:REQ-001" works without
// escaping.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/*", h.view)
}

func (h *Handler) view(w http.ResponseWriter, r *http.Request) {
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
		return
	}
	raw := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	ref, err := requirement.ParseRef(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if ref.IsLocal() || ref.Repo == h.localRepo {
		h.viewLocal(w, r, ref)
		return
	}

	repo := ref.Repo
	if repo == "" {
		// Alias references resolve to their configured repository for
		// the access check.
		remote, ok := h.resolver.Remotes().Resolve(ref)
		if !ok {
			httpx.Problem(w, http.StatusNotFound, "Remote Not Found", "no remote configured for alias "+ref.Alias)
			return
		}
		repo = remote.Repo
	}

	d := h.engine.Decide(claims, repo, roles.DependencyViewer, "")
	if d.Outcome == decision.Denied {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", d.Reason)
		return
	}

	result, err := h.resolver.Resolve(r.Context(), ref, d)
	if err != nil {
		h.respondResolveError(w, ref, err)
		return
	}
	if result.Full != nil {
		httpx.JSON(w, http.StatusOK, result.Full)
		return
	}
	httpx.JSON(w, http.StatusOK, result.Shadow)
}

func (h *Handler) viewLocal(w http.ResponseWriter, r *http.Request, ref requirement.Ref) {
	req, ok := h.db.Get(ref.ID)
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown requirement "+ref.ID)
		return
	}
	// Blocked is derived at read time, not stored. An incomplete
	// dependency, local or in a reachable remote, overrides the
	// recorded status.
	if req.Status != requirement.StatusComplete && h.db.Blocked(r.Context(), req, h.status) {
		req.Status = requirement.StatusBlocked
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) respondResolveError(w http.ResponseWriter, ref requirement.Ref, err error) {
	switch {
	case errors.Is(err, requirement.ErrRemoteNotFound):
		httpx.Problem(w, http.StatusNotFound, "Remote Not Found", err.Error())
	case errors.Is(err, ErrRemoteUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Remote Unavailable", err.Error())
	default:
		h.logger.Error("resolve requirement", "ref", ref.String(), "error", err)
		httpx.RespondError(w, err)
	}
}
