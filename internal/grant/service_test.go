package grant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtmx-ai/rtmx-trust/internal/roles"
)

type memoryAuditor struct {
	entries []AuditEntry
}

func (m *memoryAuditor) GrantMutation(_ context.Context, entry AuditEntry) {
	m.entries = append(m.entries, entry)
}

type memoryGrantRepo struct {
	grants     []Grant
	tombstones []Tombstone
	seed       State
}

func (m *memoryGrantRepo) UpsertGrant(_ context.Context, g Grant) error {
	m.grants = append(m.grants, g)
	return nil
}

func (m *memoryGrantRepo) UpsertTombstone(_ context.Context, t Tombstone) error {
	m.tombstones = append(m.tombstones, t)
	return nil
}

func (m *memoryGrantRepo) LoadState(_ context.Context) (State, error) {
	return m.seed, nil
}

func newTestStore(t *testing.T) (*Store, *memoryAuditor, *memoryGrantRepo, *[]Mutation) {
	t.Helper()
	audit := &memoryAuditor{}
	repo := &memoryGrantRepo{}
	var muts []Mutation
	store := NewStore(StoreConfig{
		Replica:   NewReplica(NewClock("acme/platform")),
		LocalRepo: "acme/platform",
		Audit:     audit,
		Repo:      repo,
		OnMutate:  func(m Mutation) { muts = append(muts, m) },
	})
	return store, audit, repo, &muts
}

func adminActor() Actor {
	return Actor{
		Subject: "alice@duratio.dev",
		Email:   "alice@duratio.dev",
		Roles:   []roles.Role{roles.Admin},
	}
}

func TestCreateWithinHeldRoles(t *testing.T) {
	store, audit, repo, muts := newTestStore(t)

	g, err := store.Create(context.Background(), adminActor(), CreateRequest{
		Grantor: "acme/platform",
		Grantee: "acme/api",
		Roles:   []string{"requirement_editor"},
	})
	require.NoError(t, err)
	require.NotNil(t, g)
	require.True(t, g.Roles.Contains(roles.RequirementEditor))

	require.Len(t, audit.entries, 1)
	require.Equal(t, "create", audit.entries[0].Operation)
	require.Equal(t, []string{"requirement_editor"}, audit.entries[0].AfterRoles)
	require.Len(t, repo.grants, 1)
	require.Len(t, *muts, 1)
	require.Equal(t, MutationCreate, (*muts)[0].Kind)
}

func TestCreateRejectsRolesBeyondActor(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	actor := Actor{
		Subject: "bob@duratio.dev",
		Roles:   []roles.Role{roles.StatusObserver},
	}

	_, err := store.Create(context.Background(), actor, CreateRequest{
		Grantor: "acme/platform",
		Grantee: "acme/api",
		Roles:   []string{"requirement_editor"},
	})

	var bounds *DelegationBoundsError
	require.ErrorAs(t, err, &bounds)
	require.Equal(t, "bob@duratio.dev", bounds.Actor)
	require.Equal(t, []roles.Role{roles.RequirementEditor}, bounds.Missing)
}

func TestCreateAllowsDelegationOfHeldSubset(t *testing.T) {
	store, _, _, _ := newTestStore(t)

	// An editor on the home repo may pass on observer access.
	actor := Actor{Subject: "carol@duratio.dev", Roles: []roles.Role{roles.RequirementEditor}}
	g, err := store.Create(context.Background(), actor, CreateRequest{
		Grantor: "acme/platform",
		Grantee: "acme/web",
		Roles:   []string{"status_observer"},
	})
	require.NoError(t, err)
	require.True(t, g.Roles.Contains(roles.StatusObserver))
}

func TestCreateRejectsMalformedRequests(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	actor := adminActor()
	ctx := context.Background()

	_, err := store.Create(ctx, actor, CreateRequest{Grantor: "notarepo", Grantee: "acme/api", Roles: []string{"admin"}})
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = store.Create(ctx, actor, CreateRequest{Grantor: "acme/platform", Grantee: "", Roles: []string{"admin"}})
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = store.Create(ctx, actor, CreateRequest{Grantor: "acme/platform", Grantee: "acme/api", Roles: nil})
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = store.Create(ctx, actor, CreateRequest{Grantor: "acme/platform", Grantee: "acme/api", Roles: []string{"superuser"}})
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRevokeRequiresAdmin(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	actor := Actor{Subject: "bob@duratio.dev", Roles: []roles.Role{roles.RequirementEditor}}

	err := store.Revoke(context.Background(), actor, "acme/platform", "acme/api")
	require.ErrorIs(t, err, ErrAdminRequired)
}

func TestRevokeRemovesGrantAndLeavesTombstone(t *testing.T) {
	store, audit, repo, muts := newTestStore(t)
	ctx := context.Background()
	actor := adminActor()

	_, err := store.Create(ctx, actor, CreateRequest{
		Grantor: "acme/platform",
		Grantee: "acme/api",
		Roles:   []string{"dependency_viewer"},
	})
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, actor, "acme/platform", "acme/api"))

	require.Nil(t, store.Lookup("acme/platform", "acme/api"))
	require.True(t, store.Replica().Revoked("acme/platform", "acme/api"))
	require.Len(t, repo.tombstones, 1)
	require.Equal(t, "revoke", audit.entries[1].Operation)
	require.Equal(t, []string{"dependency_viewer"}, audit.entries[1].BeforeRoles)
	require.Empty(t, audit.entries[1].AfterRoles)
	require.Equal(t, MutationRevoke, (*muts)[1].Kind)
}

func TestRevokeIsIdempotent(t *testing.T) {
	store, _, repo, _ := newTestStore(t)
	ctx := context.Background()
	actor := adminActor()

	require.NoError(t, store.Revoke(ctx, actor, "acme/platform", "acme/ghost"))
	require.NoError(t, store.Revoke(ctx, actor, "acme/platform", "acme/ghost"))
	require.Len(t, repo.tombstones, 2)
	require.True(t, store.Replica().Revoked("acme/platform", "acme/ghost"))
}

func TestRevokeInvalidatesTokenGrantsImmediately(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()
	admin := adminActor()

	_, err := store.Create(ctx, admin, CreateRequest{
		Grantor: "acme/platform",
		Grantee: "bob@duratio.dev",
		Roles:   []string{"requirement_editor"},
	})
	require.NoError(t, err)

	// Bob still carries the grant in an unexpired token.
	bob := Actor{
		Subject: "bob@duratio.dev",
		Grants:  map[string][]roles.Role{"acme/platform": {roles.RequirementEditor}},
	}
	require.True(t, store.EffectiveRoles(bob, "acme/platform").Contains(roles.RequirementEditor))

	require.NoError(t, store.Revoke(ctx, admin, "acme/platform", "bob@duratio.dev"))

	// The token claim is discarded once the revoke is observed locally.
	require.False(t, store.EffectiveRoles(bob, "acme/platform").Contains(roles.RequirementEditor))
}

func TestCreateAfterRevokeResurrects(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()
	actor := adminActor()

	_, err := store.Create(ctx, actor, CreateRequest{
		Grantor: "acme/platform", Grantee: "acme/api", Roles: []string{"dependency_viewer"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, actor, "acme/platform", "acme/api"))

	g, err := store.Create(ctx, actor, CreateRequest{
		Grantor: "acme/platform", Grantee: "acme/api", Roles: []string{"dependency_viewer"},
	})
	require.NoError(t, err)
	require.NotNil(t, g)
	require.NotNil(t, store.Lookup("acme/platform", "acme/api"))
	require.False(t, store.Replica().Revoked("acme/platform", "acme/api"))
}

func TestRestoreLoadsDurableState(t *testing.T) {
	repo := &memoryGrantRepo{seed: State{
		Replica: "acme/platform",
		Grants: []Grant{
			testGrant("acme/platform", "acme/api", Timestamp{Counter: 7, Replica: "acme/platform"}, "admin"),
		},
	}}
	store := NewStore(StoreConfig{
		Replica:   NewReplica(NewClock("acme/platform")),
		LocalRepo: "acme/platform",
		Repo:      repo,
	})

	require.NoError(t, store.Restore(context.Background()))
	g := store.Lookup("acme/platform", "acme/api")
	require.NotNil(t, g)
	require.True(t, g.Roles.Contains(roles.Admin))

	// Restored stamps are observed, so the next local mutation dominates.
	require.Greater(t, store.Replica().Clock().Tick().Counter, uint64(7))
}

func TestEffectiveRolesScopedToGrantor(t *testing.T) {
	store, _, _, _ := newTestStore(t)

	actor := Actor{Subject: "dave@duratio.dev", Roles: []roles.Role{roles.Admin}}
	// Home-repo roles apply on the local repository only.
	require.True(t, store.EffectiveRoles(actor, "acme/platform").Contains(roles.Admin))
	require.False(t, store.EffectiveRoles(actor, "other/repo").Contains(roles.Admin))
}
