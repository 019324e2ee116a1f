// Package grant implements the delegation records at the heart of the
// trust federation: creation, revocation, lookup, and the conflict-free
// merge that keeps independently mutated replicas convergent.
package grant

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rtmx-ai/rtmx-trust/internal/roles"
)

// RoleSet is a set of roles forming a join-semilattice under union.
type RoleSet map[roles.Role]struct{}

// NewRoleSet builds a set from role names, normalizing aliases.
func NewRoleSet(names ...string) RoleSet {
	set := make(RoleSet, len(names))
	for _, n := range names {
		r := roles.Normalize(n)
		if r == "" {
			continue
		}
		set[r] = struct{}{}
	}
	return set
}

// Union returns the join of both sets. Either operand may be nil.
func (s RoleSet) Union(other RoleSet) RoleSet {
	out := make(RoleSet, len(s)+len(other))
	for r := range s {
		out[r] = struct{}{}
	}
	for r := range other {
		out[r] = struct{}{}
	}
	return out
}

// SubsetOf reports whether every role in s is present in other.
func (s RoleSet) SubsetOf(other RoleSet) bool {
	for r := range s {
		if _, ok := other[r]; !ok {
			return false
		}
	}
	return true
}

// Contains reports membership of a single role.
func (s RoleSet) Contains(r roles.Role) bool {
	_, ok := s[roles.Normalize(string(r))]
	return ok
}

// List returns the roles in rank order (then lexical) for stable output.
func (s RoleSet) List() []roles.Role {
	out := make([]roles.Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := roles.Rank(out[i]), roles.Rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// Strings returns List as plain strings.
func (s RoleSet) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = string(r)
	}
	return out
}

// Equal reports set equality.
func (s RoleSet) Equal(other RoleSet) bool {
	return len(s) == len(other) && s.SubsetOf(other)
}

// MarshalJSON encodes the set as a sorted array of role names.
func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes an array of role names.
func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewRoleSet(names...)
	return nil
}

// Constraints narrows a grant to a subset of requirement categories.
// An empty category list means the grant is unconstrained.
type Constraints struct {
	Categories []string `json:"categories,omitempty"`
}

// Unconstrained reports whether the constraints allow every category.
func (c Constraints) Unconstrained() bool {
	return len(c.Categories) == 0
}

// Allows reports whether the given requirement category passes the
// constraint predicate. Comparison is case-insensitive.
func (c Constraints) Allows(category string) bool {
	if c.Unconstrained() {
		return true
	}
	for _, allowed := range c.Categories {
		if strings.EqualFold(allowed, category) {
			return true
		}
	}
	return false
}

// Union joins two constraints. Unconstrained absorbs: if either side
// allows everything, so does the result.
func (c Constraints) Union(other Constraints) Constraints {
	if c.Unconstrained() || other.Unconstrained() {
		return Constraints{}
	}
	seen := make(map[string]struct{}, len(c.Categories)+len(other.Categories))
	merged := make([]string, 0, len(c.Categories)+len(other.Categories))
	for _, cats := range [][]string{c.Categories, other.Categories} {
		for _, cat := range cats {
			key := strings.ToLower(cat)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, cat)
		}
	}
	sort.Strings(merged)
	return Constraints{Categories: merged}
}

// Timestamp is a logical (Lamport) timestamp. Counter ordering decides
// domination between revokes and creates; the replica ID only breaks
// ties where a total order is needed (tombstone retention).
type Timestamp struct {
	Counter uint64 `json:"counter"`
	Replica string `json:"replica"`
}

// Less orders timestamps totally: by counter, then replica ID.
func (t Timestamp) Less(other Timestamp) bool {
	if t.Counter != other.Counter {
		return t.Counter < other.Counter
	}
	return t.Replica < other.Replica
}

// Dominates reports whether a tombstone carrying t suppresses a create
// carrying other. Equal counters count as concurrent-but-undetermined,
// which the merge rule resolves in favor of the tombstone.
func (t Timestamp) Dominates(other Timestamp) bool {
	return t.Counter >= other.Counter
}

// Clock issues logical timestamps for one replica and advances past any
// timestamp observed from peers.
type Clock struct {
	mu      sync.Mutex
	replica string
	counter uint64
}

// NewClock returns a clock for the given replica ID.
func NewClock(replica string) *Clock {
	return &Clock{replica: replica}
}

// Replica returns the replica ID this clock stamps with.
func (c *Clock) Replica() string { return c.replica }

// Tick returns the next timestamp.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return Timestamp{Counter: c.counter, Replica: c.replica}
}

// Observe advances the clock past a timestamp seen from a peer, so the
// next local mutation dominates everything merged so far.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.Counter > c.counter {
		c.counter = ts.Counter
	}
}

// Key identifies the at-most-one live grant per (grantor, grantee) pair.
type Key struct {
	Grantor string `json:"grantor"`
	Grantee string `json:"grantee"`
}

func (k Key) String() string {
	return k.Grantor + "->" + k.Grantee
}

// Grant is a delegation of roles from a grantor repository to a grantee.
type Grant struct {
	Grantor     string      `json:"grantor"`
	Grantee     string      `json:"grantee"`
	Roles       RoleSet     `json:"roles"`
	Constraints Constraints `json:"constraints"`
	CreatedAt   time.Time   `json:"created_at"`
	CreatedBy   string      `json:"created_by"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	Stamp       Timestamp   `json:"stamp"`
}

// Key returns the grant's identity.
func (g Grant) Key() Key {
	return Key{Grantor: g.Grantor, Grantee: g.Grantee}
}

// Expired reports whether the grant has passed its expiry.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// merge joins two grants for the same key: role and constraint union,
// earliest creation, latest stamp. Expiry only survives when both sides
// expire; an open-ended grant absorbs a bounded one.
func (g Grant) merge(other Grant) Grant {
	out := g
	out.Roles = g.Roles.Union(other.Roles)
	out.Constraints = g.Constraints.Union(other.Constraints)
	if other.CreatedAt.Before(g.CreatedAt) {
		out.CreatedAt = other.CreatedAt
		out.CreatedBy = other.CreatedBy
	}
	if g.Stamp.Less(other.Stamp) {
		out.Stamp = other.Stamp
	}
	switch {
	case g.ExpiresAt == nil || other.ExpiresAt == nil:
		out.ExpiresAt = nil
	case g.ExpiresAt.Before(*other.ExpiresAt):
		out.ExpiresAt = other.ExpiresAt
	default:
		out.ExpiresAt = g.ExpiresAt
	}
	return out
}

// Tombstone records a revoke so concurrent merges cannot resurrect the
// revoked grant.
type Tombstone struct {
	Grantor string    `json:"grantor"`
	Grantee string    `json:"grantee"`
	Stamp   Timestamp `json:"stamp"`
	Actor   string    `json:"actor"`
	At      time.Time `json:"at"`
}

// Key returns the tombstone's identity.
func (t Tombstone) Key() Key {
	return Key{Grantor: t.Grantor, Grantee: t.Grantee}
}

// State is a mergeable snapshot of one replica: its live grants and its
// tombstones. States are what peers exchange during heal-sync.
type State struct {
	Replica    string      `json:"replica"`
	Grants     []Grant     `json:"grants"`
	Tombstones []Tombstone `json:"tombstones"`
}

// MutationKind distinguishes queued mutations.
type MutationKind string

const (
	// MutationCreate records a grant create/union.
	MutationCreate MutationKind = "create"
	// MutationRevoke records a revoke tombstone.
	MutationRevoke MutationKind = "revoke"
)

// Mutation is one grant-store change queued for replication.
type Mutation struct {
	ID        uuid.UUID    `json:"id"`
	Kind      MutationKind `json:"kind"`
	Grant     *Grant       `json:"grant,omitempty"`
	Tombstone *Tombstone   `json:"tombstone,omitempty"`
	At        time.Time    `json:"at"`
}

// EscapeRepo converts "org/name" into a path-segment-safe form.
func EscapeRepo(repo string) string {
	return strings.ReplaceAll(repo, "/", "~")
}

// UnescapeRepo reverses EscapeRepo.
func UnescapeRepo(segment string) string {
	return strings.ReplaceAll(segment, "~", "/")
}

// ValidRepo reports whether the identifier looks like "org/name".
func ValidRepo(repo string) bool {
	parts := strings.Split(repo, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// DelegationBoundsError rejects a create whose roles exceed what the
// actor itself holds over the grantor.
type DelegationBoundsError struct {
	Actor   string
	Grantor string
	Missing []roles.Role
}

func (e *DelegationBoundsError) Error() string {
	names := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		names[i] = string(r)
	}
	return fmt.Sprintf("grant: %s cannot delegate roles [%s] over %s: roles not held by actor",
		e.Actor, strings.Join(names, ", "), e.Grantor)
}
