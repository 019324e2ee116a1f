// Package roles defines the federation role hierarchy.
//
// The hierarchy is a single total order: a higher role implies every
// capability of the roles below it. There are no per-resource hierarchies.
package roles

import "strings"

// Role is one of the closed set of federation roles.
type Role string

const (
	// DependencyViewer may see that a requirement exists and reference it
	// as a dependency.
	DependencyViewer Role = "dependency_viewer"
	// StatusObserver may additionally see coarse requirement status.
	StatusObserver Role = "status_observer"
	// RequirementEditor may read and modify requirement content.
	RequirementEditor Role = "requirement_editor"
	// Admin holds every capability, including grant management.
	Admin Role = "admin"
)

// ranks maps each known role to its position in the hierarchy. Unknown
// role names rank zero so an unrecognized string never grants anything.
var ranks = map[Role]int{
	DependencyViewer:  1,
	StatusObserver:    2,
	RequirementEditor: 3,
	Admin:             4,
}

// aliases accepts the short role names used by external tooling.
var aliases = map[string]Role{
	"viewer":   DependencyViewer,
	"observer": StatusObserver,
	"editor":   RequirementEditor,
}

// Normalize maps a role name (canonical or alias, any case) to its
// canonical Role. Unknown names pass through unchanged; they rank zero.
func Normalize(name string) Role {
	n := strings.ToLower(strings.TrimSpace(name))
	if r, ok := aliases[n]; ok {
		return r
	}
	return Role(n)
}

// Rank returns the position of the role in the hierarchy. Unknown roles
// rank zero.
func Rank(r Role) int {
	return ranks[Normalize(string(r))]
}

// Known reports whether the role is part of the closed set.
func Known(r Role) bool {
	_, ok := ranks[Normalize(string(r))]
	return ok
}

// Satisfies reports whether the held roles collectively satisfy the
// required role: the highest held rank must be at least the required rank.
// An empty or unrecognized requirement is never satisfied by nothing; a
// zero-rank requirement is satisfied only when at least one held role is
// known.
func Satisfies(held []Role, required Role) bool {
	req := Rank(required)
	if req == 0 {
		// Unknown requirement: fail closed.
		return false
	}
	max := 0
	for _, r := range held {
		if rank := Rank(r); rank > max {
			max = rank
		}
	}
	return max >= req
}

// Max returns the highest-ranked role among held, or the empty Role when
// none is recognized.
func Max(held []Role) Role {
	var best Role
	max := 0
	for _, r := range held {
		if rank := Rank(r); rank > max {
			max = rank
			best = Normalize(string(r))
		}
	}
	return best
}
