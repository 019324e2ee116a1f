package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rtmx-ai/rtmx-trust/internal/decision"
	"github.com/rtmx-ai/rtmx-trust/internal/observability"
	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
	"github.com/rtmx-ai/rtmx-trust/internal/roles"
)

// ErrRemoteUnavailable means the remote could not be reached and no
// cached shadow exists to degrade to.
var ErrRemoteUnavailable = errors.New("shadow: remote unavailable and nothing cached")

// ErrDeniedDecision guards against resolving a denied decision; callers
// must handle denial before reaching the resolver.
var ErrDeniedDecision = errors.New("shadow: resolve called with a denied decision")

// Source fetches the full content of a remote requirement. The
// convergence layer implements it over the peer transport.
type Source interface {
	Fetch(ctx context.Context, remote requirement.Remote, id string) (requirement.Requirement, error)
}

// Result is either a full requirement or its shadow projection,
// depending on the decision that led here.
type Result struct {
	Visibility Visibility
	Full       *requirement.Requirement
	Shadow     *ShadowRequirement
}

// Resolver builds requirement views bounded by an access decision.
type Resolver struct {
	source    Source
	remotes   *requirement.Remotes
	cache     *Cache
	freshness time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// ResolverConfig collects the resolver dependencies. Metrics may be nil.
type ResolverConfig struct {
	Source    Source
	Remotes   *requirement.Remotes
	Cache     *Cache
	Freshness time.Duration
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewResolver constructs a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	freshness := cfg.Freshness
	if freshness <= 0 {
		freshness = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		source:    cfg.Source,
		remotes:   cfg.Remotes,
		cache:     cfg.Cache,
		freshness: freshness,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Remotes exposes the registry the resolver consults, for handlers that
// need to pre-resolve an alias before making an access decision.
func (r *Resolver) Remotes() *requirement.Remotes { return r.remotes }

// Resolve produces the view of a cross-repository requirement reference
// permitted by the decision. A cached shadow is reused until it exceeds
// the freshness threshold; a failed refresh extends the staleness
// window with a warning instead of failing, as long as something is
// cached.
func (r *Resolver) Resolve(ctx context.Context, ref requirement.Ref, d decision.Decision) (Result, error) {
	if d.Outcome == decision.Denied {
		return Result{}, ErrDeniedDecision
	}

	remote, ok := r.remotes.Resolve(ref)
	if !ok {
		return Result{}, fmt.Errorf("%w: reference %s", requirement.ErrRemoteNotFound, ref)
	}

	if d.Outcome == decision.Full {
		return r.resolveFull(ctx, remote, ref)
	}
	return r.resolveShadow(ctx, remote, ref, d)
}

func (r *Resolver) resolveFull(ctx context.Context, remote requirement.Remote, ref requirement.Ref) (Result, error) {
	req, err := r.source.Fetch(ctx, remote, ref.ID)
	if err == nil {
		// Keep the shadow cache warm for callers with less access.
		r.store(ctx, buildShadow(remote.Repo, req, r.now()))
		return Result{Visibility: VisibilityFull, Full: &req}, nil
	}

	cached, cacheErr := r.cache.Get(ctx, remote.Repo, ref.ID)
	if cacheErr != nil {
		r.logger.Warn("shadow: cache read failed", slog.Any("error", cacheErr))
	}
	if cached != nil {
		r.logger.Warn("shadow: remote unreachable, degrading full access to cached shadow",
			slog.String("remote", remote.Alias), slog.String("req", ref.ID), slog.Any("error", err))
		r.metrics.ShadowView("stale")
		out := project(*cached, VisibilityShadow)
		return Result{Visibility: VisibilityShadow, Shadow: &out}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}

func (r *Resolver) resolveShadow(ctx context.Context, remote requirement.Remote, ref requirement.Ref, d decision.Decision) (Result, error) {
	vis := VisibilityShadow
	if roles.Rank(d.MaxHeld) < roles.Rank(roles.StatusObserver) {
		vis = VisibilityHashOnly
	}

	cached, err := r.cache.Get(ctx, remote.Repo, ref.ID)
	if err != nil {
		r.logger.Warn("shadow: cache read failed", slog.Any("error", err))
	}
	now := r.now()
	if cached != nil && now.Sub(cached.LastVerified) < r.freshness {
		r.metrics.ShadowView("fresh")
		out := project(*cached, vis)
		return Result{Visibility: vis, Shadow: &out}, nil
	}

	req, fetchErr := r.source.Fetch(ctx, remote, ref.ID)
	if fetchErr == nil {
		fresh := buildShadow(remote.Repo, req, now)
		if cached != nil && cached.ShadowHash != fresh.ShadowHash {
			r.logger.Info("shadow: content changed upstream",
				slog.String("remote", remote.Alias), slog.String("req", ref.ID))
		}
		r.store(ctx, fresh)
		r.metrics.ShadowView("refreshed")
		out := project(fresh, vis)
		return Result{Visibility: vis, Shadow: &out}, nil
	}

	if cached != nil {
		// Refresh failure extends the staleness window; it never
		// invalidates what we have.
		r.logger.Warn("shadow: refresh failed, serving stale entry",
			slog.String("remote", remote.Alias), slog.String("req", ref.ID), slog.Any("error", fetchErr))
		r.metrics.ShadowView("stale")
		out := project(*cached, vis)
		return Result{Visibility: vis, Shadow: &out}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, fetchErr)
}

// Sweep refreshes every cached shadow older than the freshness
// threshold. Unreachable remotes leave their entries in place; the
// sweep reports counts for job logging.
func (r *Resolver) Sweep(ctx context.Context) (refreshed, failed int, err error) {
	entries, err := r.cache.Entries(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := r.now()
	for _, entry := range entries {
		if now.Sub(entry.LastVerified) < r.freshness {
			continue
		}
		remote, ok := r.remotes.Resolve(requirement.Ref{Repo: entry.ExternalRepo, ID: entry.ReqID})
		if !ok {
			// The remote was removed; its shadows die with it.
			if err := r.cache.Invalidate(ctx, entry.ExternalRepo, entry.ReqID); err != nil {
				r.logger.Warn("shadow: sweep invalidate failed", slog.Any("error", err))
			}
			continue
		}
		req, fetchErr := r.source.Fetch(ctx, remote, entry.ReqID)
		if fetchErr != nil {
			failed++
			r.logger.Warn("shadow: sweep refresh failed",
				slog.String("remote", remote.Alias), slog.String("req", entry.ReqID), slog.Any("error", fetchErr))
			continue
		}
		fresh := buildShadow(remote.Repo, req, now)
		if fresh.ShadowHash != entry.ShadowHash {
			r.logger.Info("shadow: content changed upstream",
				slog.String("remote", remote.Alias), slog.String("req", entry.ReqID))
		}
		r.store(ctx, fresh)
		refreshed++
	}
	return refreshed, failed, nil
}

func (r *Resolver) store(ctx context.Context, sr ShadowRequirement) {
	if err := r.cache.Put(ctx, sr); err != nil {
		r.logger.Warn("shadow: cache write failed", slog.Any("error", err))
	}
}

func buildShadow(repo string, req requirement.Requirement, now time.Time) ShadowRequirement {
	return ShadowRequirement{
		ReqID:        req.ID,
		ExternalRepo: repo,
		Status:       req.Status,
		ShadowHash:   Hash(req),
		Visibility:   VisibilityShadow,
		LastVerified: now.UTC(),
	}
}

// project narrows a cached entry to the visibility the caller earned.
// Hash-only callers see existence and the hash, not status.
func project(sr ShadowRequirement, vis Visibility) ShadowRequirement {
	sr.Visibility = vis
	if vis == VisibilityHashOnly {
		sr.Status = ""
	}
	return sr
}
