// Package decision computes the three-way access outcome for a request:
// full access, shadow (bounded) visibility, or denial. The outcome is a
// closed variant, not a boolean, because a failed role check does not
// always mean invisibility.
package decision

import (
	"fmt"

	"github.com/rtmx-ai/rtmx-trust/internal/grant"
	"github.com/rtmx-ai/rtmx-trust/internal/observability"
	"github.com/rtmx-ai/rtmx-trust/internal/roles"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
)

// Outcome is the closed set of decision results.
type Outcome int

const (
	// Denied hides the resource entirely.
	Denied Outcome = iota
	// Shadow grants bounded disclosure: status and hash, no content.
	Shadow
	// Full grants complete access.
	Full
)

// String implements fmt.Stringer for logs and metrics labels.
func (o Outcome) String() string {
	switch o {
	case Full:
		return "full"
	case Shadow:
		return "shadow"
	default:
		return "denied"
	}
}

// Decision is the engine's answer, with an actionable reason for the
// non-Full outcomes: which grant is missing or which role would help.
type Decision struct {
	Outcome  Outcome
	Required roles.Role
	// MaxHeld is the highest role the caller holds on the repository;
	// the shadow resolver uses it to pick between status disclosure
	// (status_observer and up) and hash-only visibility.
	MaxHeld roles.Role
	Reason  string
}

// Engine combines a validated claim set with the grant replica and the
// role hierarchy.
type Engine struct {
	replica   *grant.Replica
	localRepo string
	metrics   *observability.Metrics
}

// NewEngine builds an engine for this node. localRepo is the repository
// the node itself serves; identities always hold full access to it.
// metrics may be nil.
func NewEngine(replica *grant.Replica, localRepo string, metrics *observability.Metrics) *Engine {
	return &Engine{replica: replica, localRepo: localRepo, metrics: metrics}
}

// Decide answers whether the identity behind claims may perform an
// operation requiring the given role on the repository, optionally
// scoped to a requirement category for constraint checks.
//
// The replica is the authority; token-embedded grants only count while
// no revoke for the key has been observed locally, so a revoked grant
// riding in a still-valid token cannot re-escalate (per-replica
// immediate revocation).
func (e *Engine) Decide(claims token.ClaimSet, repository string, required roles.Role, category string) Decision {
	d := e.decide(claims, repository, required, category)
	e.metrics.Decision(d.Outcome.String())
	return d
}

func (e *Engine) decide(claims token.ClaimSet, repository string, required roles.Role, category string) Decision {
	if repository == e.localRepo {
		return Decision{Outcome: Full, Required: required, MaxHeld: roles.Admin, Reason: "local repository"}
	}

	held, constraints, found := e.effective(claims, repository)
	maxHeld := roles.Max(held.List())
	if !found {
		return Decision{
			Outcome:  Denied,
			Required: required,
			Reason:   fmt.Sprintf("no grant from %s to %s; request a grant with role %s", repository, claims.Subject, required),
		}
	}

	if !roles.Satisfies(held.List(), required) {
		return Decision{
			Outcome:  Shadow,
			Required: required,
			MaxHeld:  maxHeld,
			Reason:   fmt.Sprintf("grant from %s holds %v, role %s required", repository, held.Strings(), required),
		}
	}

	if !constraints.Allows(category) {
		if roles.Satisfies(held.List(), roles.DependencyViewer) {
			return Decision{
				Outcome:  Shadow,
				Required: required,
				MaxHeld:  maxHeld,
				Reason:   fmt.Sprintf("category %q outside grant constraints", category),
			}
		}
		return Decision{
			Outcome:  Denied,
			Required: required,
			Reason:   fmt.Sprintf("category %q outside grant constraints", category),
		}
	}

	return Decision{Outcome: Full, Required: required, MaxHeld: maxHeld}
}

// effective gathers the roles the identity holds over the repository:
// the union of matching live store grants (grantee = subject or this
// node's repository) and token-embedded grants not superseded by an
// observed revoke.
func (e *Engine) effective(claims token.ClaimSet, repository string) (grant.RoleSet, grant.Constraints, bool) {
	held := make(grant.RoleSet)
	var constraints grant.Constraints
	storeFound := false

	for _, grantee := range []string{claims.Subject, e.localRepo} {
		if grantee == "" {
			continue
		}
		if g := e.replica.Lookup(repository, grantee); g != nil {
			held = held.Union(g.Roles)
			if storeFound {
				constraints = constraints.Union(g.Constraints)
			} else {
				constraints = g.Constraints
			}
			storeFound = true
		}
	}

	found := storeFound
	if !e.replica.Revoked(repository, claims.Subject) {
		if names, ok := claims.Grants[repository]; ok && len(names) > 0 {
			tokenRoles := grant.NewRoleSet(names...)
			if len(tokenRoles) > 0 {
				held = held.Union(tokenRoles)
				found = true
			}
		}
	}
	// Token-embedded grants carry no constraint payload; they widen the
	// role set but never relax a store grant's category constraints.

	return held, constraints, found
}
