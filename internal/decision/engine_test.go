package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtmx-ai/rtmx-trust/internal/grant"
	"github.com/rtmx-ai/rtmx-trust/internal/roles"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
)

const localRepo = "acme/platform"

func newTestEngine(grants ...grant.Grant) (*Engine, *grant.Replica) {
	rep := grant.NewReplica(grant.NewClock(localRepo))
	for _, g := range grants {
		rep.Put(g)
	}
	return NewEngine(rep, localRepo, nil), rep
}

func storeGrant(grantor, grantee string, constraints grant.Constraints, roleNames ...string) grant.Grant {
	return grant.Grant{
		Grantor:     grantor,
		Grantee:     grantee,
		Roles:       grant.NewRoleSet(roleNames...),
		Constraints: constraints,
		CreatedAt:   time.Now().UTC(),
		Stamp:       grant.Timestamp{Counter: 1, Replica: localRepo},
	}
}

func TestDecideLocalRepositoryIsAlwaysFull(t *testing.T) {
	engine, _ := newTestEngine()
	d := engine.Decide(token.ClaimSet{Subject: "alice@duratio.dev"}, localRepo, roles.Admin, "")
	require.Equal(t, Full, d.Outcome)
	require.Equal(t, roles.Admin, d.MaxHeld)
}

func TestDecideFullWhenGrantCoversRequiredRole(t *testing.T) {
	engine, _ := newTestEngine(
		storeGrant("vendor/lib", "alice@duratio.dev", grant.Constraints{}, "requirement_editor"),
	)

	d := engine.Decide(token.ClaimSet{Subject: "alice@duratio.dev"}, "vendor/lib", roles.StatusObserver, "")
	require.Equal(t, Full, d.Outcome)
	require.Equal(t, roles.RequirementEditor, d.MaxHeld)
}

func TestDecideShadowWhenRoleInsufficient(t *testing.T) {
	engine, _ := newTestEngine(
		storeGrant("vendor/lib", "alice@duratio.dev", grant.Constraints{}, "dependency_viewer"),
	)

	d := engine.Decide(token.ClaimSet{Subject: "alice@duratio.dev"}, "vendor/lib", roles.RequirementEditor, "")
	require.Equal(t, Shadow, d.Outcome)
	require.Equal(t, roles.DependencyViewer, d.MaxHeld)
	require.Contains(t, d.Reason, "requirement_editor")
}

func TestDecideDeniedWithoutAnyGrant(t *testing.T) {
	engine, _ := newTestEngine()

	d := engine.Decide(token.ClaimSet{Subject: "mallory@duratio.dev"}, "vendor/lib", roles.DependencyViewer, "")
	require.Equal(t, Denied, d.Outcome)
	require.Contains(t, d.Reason, "no grant")
	require.Contains(t, d.Reason, "dependency_viewer")
}

func TestDecideTokenGrantWidensRoles(t *testing.T) {
	engine, _ := newTestEngine()
	claims := token.ClaimSet{
		Subject: "alice@duratio.dev",
		Grants:  map[string][]string{"vendor/lib": {"status_observer"}},
	}

	d := engine.Decide(claims, "vendor/lib", roles.StatusObserver, "")
	require.Equal(t, Full, d.Outcome)
}

func TestDecideTokenGrantAloneYieldsShadow(t *testing.T) {
	engine, _ := newTestEngine()
	claims := token.ClaimSet{
		Subject: "alice@duratio.dev",
		Grants:  map[string][]string{"vendor/lib": {"dependency_viewer"}},
	}

	// A token grant with no store record still counts as a grant.
	d := engine.Decide(claims, "vendor/lib", roles.RequirementEditor, "")
	require.Equal(t, Shadow, d.Outcome)
	require.Equal(t, roles.DependencyViewer, d.MaxHeld)
}

func TestDecideRevokedTokenGrantIsDiscarded(t *testing.T) {
	engine, rep := newTestEngine()
	rep.Delete(grant.Tombstone{
		Grantor: "vendor/lib",
		Grantee: "alice@duratio.dev",
		Stamp:   grant.Timestamp{Counter: 9, Replica: localRepo},
	})
	claims := token.ClaimSet{
		Subject: "alice@duratio.dev",
		Grants:  map[string][]string{"vendor/lib": {"admin"}},
	}

	// The token is still valid but the replica has seen the revoke.
	d := engine.Decide(claims, "vendor/lib", roles.DependencyViewer, "")
	require.Equal(t, Denied, d.Outcome)
}

func TestDecideRepoLevelGrantAppliesToAllSubjects(t *testing.T) {
	engine, _ := newTestEngine(
		storeGrant("vendor/lib", localRepo, grant.Constraints{}, "dependency_viewer"),
	)

	d := engine.Decide(token.ClaimSet{Subject: "anyone@duratio.dev"}, "vendor/lib", roles.DependencyViewer, "")
	require.Equal(t, Full, d.Outcome)
}

func TestDecideConstraintMismatchShadowsViewer(t *testing.T) {
	engine, _ := newTestEngine(
		storeGrant("vendor/lib", "alice@duratio.dev",
			grant.Constraints{Categories: []string{"security"}}, "requirement_editor"),
	)

	d := engine.Decide(token.ClaimSet{Subject: "alice@duratio.dev"}, "vendor/lib", roles.DependencyViewer, "billing")
	require.Equal(t, Shadow, d.Outcome)
	require.Contains(t, d.Reason, "constraints")

	// The permitted category still gets full access.
	d = engine.Decide(token.ClaimSet{Subject: "alice@duratio.dev"}, "vendor/lib", roles.DependencyViewer, "security")
	require.Equal(t, Full, d.Outcome)
}

func TestDecideTokenGrantNeverRelaxesStoreConstraints(t *testing.T) {
	engine, _ := newTestEngine(
		storeGrant("vendor/lib", "alice@duratio.dev",
			grant.Constraints{Categories: []string{"security"}}, "dependency_viewer"),
	)
	claims := token.ClaimSet{
		Subject: "alice@duratio.dev",
		Grants:  map[string][]string{"vendor/lib": {"admin"}},
	}

	d := engine.Decide(claims, "vendor/lib", roles.DependencyViewer, "billing")
	require.Equal(t, Shadow, d.Outcome)
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "full", Full.String())
	require.Equal(t, "shadow", Shadow.String())
	require.Equal(t, "denied", Denied.String())
}
