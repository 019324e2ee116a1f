package requirement

import (
	"context"
	"strings"
)

// Status is the coarse requirement state exposed across repositories.
type Status string

const (
	StatusMissing    Status = "MISSING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPartial    Status = "PARTIAL"
	StatusComplete   Status = "COMPLETE"
	StatusBlocked    Status = "BLOCKED"
)

// ParseStatus normalizes a status string. Unknown values map to
// MISSING, the most conservative state.
func ParseStatus(raw string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusInProgress:
		return StatusInProgress
	case StatusPartial:
		return StatusPartial
	case StatusComplete:
		return StatusComplete
	case StatusBlocked:
		return StatusBlocked
	default:
		return StatusMissing
	}
}

// Requirement is one record of a requirement database.
type Requirement struct {
	ID           string   `json:"req_id"`
	Category     string   `json:"category"`
	Subcategory  string   `json:"subcategory,omitempty"`
	Text         string   `json:"requirement_text"`
	Status       Status   `json:"status"`
	Priority     string   `json:"priority,omitempty"`
	Phase        int      `json:"phase,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Blocks       []string `json:"blocks,omitempty"`
}

// Database is an in-memory requirement collection keyed by ID.
type Database struct {
	byID  map[string]Requirement
	order []string
}

// NewDatabase builds a database from records, last write per ID wins.
func NewDatabase(reqs []Requirement) *Database {
	db := &Database{byID: make(map[string]Requirement, len(reqs))}
	for _, r := range reqs {
		if _, ok := db.byID[r.ID]; !ok {
			db.order = append(db.order, r.ID)
		}
		db.byID[r.ID] = r
	}
	return db
}

// Get returns the requirement and whether it exists.
func (db *Database) Get(id string) (Requirement, bool) {
	r, ok := db.byID[id]
	return r, ok
}

// Exists reports whether the ID is present.
func (db *Database) Exists(id string) bool {
	_, ok := db.byID[id]
	return ok
}

// All iterates the requirements in load order.
func (db *Database) All() []Requirement {
	out := make([]Requirement, 0, len(db.order))
	for _, id := range db.order {
		out = append(out, db.byID[id])
	}
	return out
}

// Len returns the record count.
func (db *Database) Len() int { return len(db.byID) }

// StatusLookup answers status queries for cross-repo dependencies. The
// shadow resolver and the blocked computation both consume it; the
// convergence layer provides the implementation.
type StatusLookup interface {
	// Status returns the status of a requirement in a remote
	// repository. ok is false when the remote is unreachable or the
	// requirement is unknown there.
	Status(ctx context.Context, ref Ref) (Status, bool)
}

// Blocked reports whether the requirement is blocked by an incomplete
// dependency. Local dependencies consult the database; cross-repo
// dependencies consult the lookup. An unreachable remote cannot be
// verified and does not block; validation surfaces the warning
// separately.
func (db *Database) Blocked(ctx context.Context, r Requirement, lookup StatusLookup) bool {
	for _, dep := range r.Dependencies {
		ref, err := ParseRef(dep)
		if err != nil {
			continue
		}
		if ref.IsLocal() {
			if dep, ok := db.Get(ref.ID); ok && dep.Status != StatusComplete {
				return true
			}
			continue
		}
		if lookup == nil {
			continue
		}
		if status, ok := lookup.Status(ctx, ref); ok && status != StatusComplete {
			return true
		}
	}
	return false
}
