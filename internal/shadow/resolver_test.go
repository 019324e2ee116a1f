package shadow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rtmx-ai/rtmx-trust/internal/decision"
	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
	"github.com/rtmx-ai/rtmx-trust/internal/roles"
)

type stubSource struct {
	reqs    map[string]requirement.Requirement
	err     error
	fetches int
}

func (s *stubSource) Fetch(_ context.Context, _ requirement.Remote, id string) (requirement.Requirement, error) {
	s.fetches++
	if s.err != nil {
		return requirement.Requirement{}, s.err
	}
	req, ok := s.reqs[id]
	if !ok {
		return requirement.Requirement{}, errors.New("requirement not found")
	}
	return req, nil
}

type fixture struct {
	resolver *Resolver
	source   *stubSource
	cache    *Cache
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	source := &stubSource{reqs: map[string]requirement.Requirement{
		"REQ-SYNC-001": {
			ID:       "REQ-SYNC-001",
			Category: "sync",
			Text:     "Replicas converge after partition heal",
			Status:   requirement.StatusInProgress,
		},
	}}
	remotes := requirement.NewRemotes([]requirement.Remote{
		{Alias: "sync", Repo: "rtmx-ai/rtmx-sync", BaseURL: "https://sync.duratio.dev"},
	})
	f := &fixture{source: source, cache: NewCache(client), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.resolver = NewResolver(ResolverConfig{
		Source:    source,
		Remotes:   remotes,
		Cache:     f.cache,
		Freshness: 10 * time.Minute,
		Now:       func() time.Time { return f.now },
	})
	return f
}

func syncRef() requirement.Ref {
	return requirement.Ref{Alias: "sync", ID: "REQ-SYNC-001"}
}

func shadowDecision(maxHeld roles.Role) decision.Decision {
	return decision.Decision{Outcome: decision.Shadow, Required: roles.RequirementEditor, MaxHeld: maxHeld}
}

func TestResolveFullReturnsContent(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.Resolve(context.Background(), syncRef(), decision.Decision{Outcome: decision.Full, MaxHeld: roles.Admin})
	require.NoError(t, err)
	require.Equal(t, VisibilityFull, res.Visibility)
	require.NotNil(t, res.Full)
	require.Equal(t, "Replicas converge after partition heal", res.Full.Text)

	// A full resolve warms the shadow cache.
	cached, err := f.cache.Get(context.Background(), "rtmx-ai/rtmx-sync", "REQ-SYNC-001")
	require.NoError(t, err)
	require.NotNil(t, cached)
}

func TestResolveShadowDisclosesStatusAndHashOnly(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.Resolve(context.Background(), syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)
	require.Equal(t, VisibilityShadow, res.Visibility)
	require.Nil(t, res.Full)
	require.Equal(t, requirement.StatusInProgress, res.Shadow.Status)
	require.Equal(t, Hash(f.source.reqs["REQ-SYNC-001"]), res.Shadow.ShadowHash)
	require.Equal(t, "rtmx-ai/rtmx-sync", res.Shadow.ExternalRepo)
}

func TestResolveHashOnlyBlanksStatus(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.Resolve(context.Background(), syncRef(), shadowDecision(roles.DependencyViewer))
	require.NoError(t, err)
	require.Equal(t, VisibilityHashOnly, res.Visibility)
	require.Empty(t, res.Shadow.Status)
	require.NotEmpty(t, res.Shadow.ShadowHash)
}

func TestResolveReusesFreshCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)
	require.Equal(t, 1, f.source.fetches)

	// Within the freshness window the cached entry is served.
	f.now = f.now.Add(5 * time.Minute)
	_, err = f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)
	require.Equal(t, 1, f.source.fetches)

	// Past the window the resolver refreshes.
	f.now = f.now.Add(10 * time.Minute)
	_, err = f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)
	require.Equal(t, 2, f.source.fetches)
}

func TestResolveServesStaleOnRefreshFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)
	wantHash := res.Shadow.ShadowHash

	f.now = f.now.Add(time.Hour)
	f.source.err = errors.New("connection refused")

	res, err = f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)
	require.Equal(t, wantHash, res.Shadow.ShadowHash)
}

func TestResolveFailsWithoutCacheOrRemote(t *testing.T) {
	f := newFixture(t)
	f.source.err = errors.New("connection refused")

	_, err := f.resolver.Resolve(context.Background(), syncRef(), shadowDecision(roles.StatusObserver))
	require.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestResolveFullDegradesToCachedShadow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)

	f.source.err = errors.New("connection refused")
	res, err := f.resolver.Resolve(ctx, syncRef(), decision.Decision{Outcome: decision.Full, MaxHeld: roles.Admin})
	require.NoError(t, err)
	require.Equal(t, VisibilityShadow, res.Visibility)
	require.Nil(t, res.Full)
}

func TestResolveRejectsDeniedDecision(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), syncRef(), decision.Decision{Outcome: decision.Denied})
	require.ErrorIs(t, err, ErrDeniedDecision)
}

func TestResolveUnknownRemote(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(),
		requirement.Ref{Alias: "ghost", ID: "REQ-1"}, shadowDecision(roles.StatusObserver))
	require.ErrorIs(t, err, requirement.ErrRemoteNotFound)
}

func TestSweepRefreshesStaleEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)

	// Content changes upstream while the entry ages past freshness.
	req := f.source.reqs["REQ-SYNC-001"]
	req.Status = requirement.StatusComplete
	f.source.reqs["REQ-SYNC-001"] = req
	f.now = f.now.Add(time.Hour)

	refreshed, failed, err := f.resolver.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed)
	require.Zero(t, failed)

	cached, err := f.cache.Get(ctx, "rtmx-ai/rtmx-sync", "REQ-SYNC-001")
	require.NoError(t, err)
	require.Equal(t, requirement.StatusComplete, cached.Status)
}

func TestSweepCountsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	f.source.err = errors.New("connection refused")

	refreshed, failed, err := f.resolver.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, refreshed)
	require.Equal(t, 1, failed)

	// The stale entry stays cached for degraded serving.
	cached, err := f.cache.Get(ctx, "rtmx-ai/rtmx-sync", "REQ-SYNC-001")
	require.NoError(t, err)
	require.NotNil(t, cached)
}

func TestSweepDropsEntriesOfRemovedRemotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, syncRef(), shadowDecision(roles.StatusObserver))
	require.NoError(t, err)

	require.NoError(t, f.resolver.Remotes().Remove("sync"))
	f.now = f.now.Add(time.Hour)

	refreshed, failed, err := f.resolver.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, refreshed)
	require.Zero(t, failed)

	cached, err := f.cache.Get(ctx, "rtmx-ai/rtmx-sync", "REQ-SYNC-001")
	require.NoError(t, err)
	require.Nil(t, cached)
}
