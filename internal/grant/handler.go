package grant

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rtmx-ai/rtmx-trust/internal/platform/httpx"
	"github.com/rtmx-ai/rtmx-trust/internal/roles"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
)

// Handler wires HTTP endpoints for grant management.
type Handler struct {
	logger    *slog.Logger
	store     *Store
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, store *Store) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		validator: validator.New(),
	}
}

// MountRoutes registers grant routes on the provided router. Repository
// path segments use "~" in place of "/" so "acme/api" travels as
// "acme~api".
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{grantor}/{grantee}", h.lookup)
	r.Delete("/{grantor}/{grantee}", h.revoke)
}

type createForm struct {
	Grantor    string     `json:"grantor" validate:"required"`
	Grantee    string     `json:"grantee" validate:"required"`
	Roles      []string   `json:"roles" validate:"required,min=1,dive,required"`
	Categories []string   `json:"categories,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
		return
	}
	var form createForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}

	g, err := h.store.Create(r.Context(), actor, CreateRequest{
		Grantor:     form.Grantor,
		Grantee:     form.Grantee,
		Roles:       form.Roles,
		Constraints: Constraints{Categories: form.Categories},
		ExpiresAt:   form.ExpiresAt,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	h.logger.Info("grant created",
		"actor", actor.Subject,
		"grantor", g.Grantor,
		"grantee", g.Grantee,
		"roles", g.Roles.Strings())
	httpx.JSON(w, http.StatusCreated, g)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(r); !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "scope query parameter is required")
		return
	}
	outgoing, incoming := h.store.List(scope)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"scope":    scope,
		"outgoing": outgoing,
		"incoming": incoming,
	})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(r); !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
		return
	}
	grantor := UnescapeRepo(chi.URLParam(r, "grantor"))
	grantee := UnescapeRepo(chi.URLParam(r, "grantee"))
	g := h.store.Lookup(grantor, grantee)
	if g == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no grant from "+grantor+" to "+grantee)
		return
	}
	httpx.JSON(w, http.StatusOK, g)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
		return
	}
	grantor := UnescapeRepo(chi.URLParam(r, "grantor"))
	grantee := UnescapeRepo(chi.URLParam(r, "grantee"))
	if err := h.store.Revoke(r.Context(), actor, grantor, grantee); err != nil {
		respondStoreError(w, err)
		return
	}
	h.logger.Info("grant revoked",
		"actor", actor.Subject,
		"grantor", grantor,
		"grantee", grantee)
	w.WriteHeader(http.StatusNoContent)
}

func respondStoreError(w http.ResponseWriter, err error) {
	var bounds *DelegationBoundsError
	switch {
	case errors.As(err, &bounds):
		httpx.Problem(w, http.StatusForbidden, "Delegation Exceeds Held Roles", err.Error())
	case errors.Is(err, ErrAdminRequired):
		httpx.Problem(w, http.StatusForbidden, "Admin Required", err.Error())
	case errors.Is(err, ErrInvalidGrant):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Grant", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}

// ActorFromClaims converts validated token claims into the actor shape
// store operations consume. Unknown role strings are dropped here so the
// store only ever sees known roles.
func ActorFromClaims(claims token.ClaimSet) Actor {
	actor := Actor{
		Subject: claims.Subject,
		Email:   claims.Email,
	}
	for _, r := range claims.Roles {
		if norm := roles.Normalize(r); roles.Known(norm) {
			actor.Roles = append(actor.Roles, norm)
		}
	}
	if len(claims.Grants) > 0 {
		actor.Grants = make(map[string][]roles.Role, len(claims.Grants))
		for repo, rs := range claims.Grants {
			for _, r := range rs {
				if norm := roles.Normalize(r); roles.Known(norm) {
					actor.Grants[repo] = append(actor.Grants[repo], norm)
				}
			}
		}
	}
	return actor
}

func actorFrom(r *http.Request) (Actor, bool) {
	claims, ok := token.ClaimsFromContext(r.Context())
	if !ok {
		return Actor{}, false
	}
	return ActorFromClaims(claims), true
}

func validationDetail(err error) string {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		return errs[0].Error()
	}
	return err.Error()
}
