package grant

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// shardCount sizes the lock striping. Creates and revokes serialize per
// key; unrelated repository pairs land on different shards and never
// contend.
const shardCount = 32

// entry keeps every surviving create contribution separately, each
// under its own stamp. Tombstone dominance is checked per contribution;
// collapsing creates into one record would let a later create's stamp
// shield an earlier, already-revoked contribution.
type entry struct {
	contribs []Grant
	live     *Grant
	tomb     *Tombstone
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// Replica is the local, always-readable copy of the grant store. Reads
// never block on writers beyond a shard RLock; a reader observes either
// the pre- or post-mutation record, never a partial one.
type Replica struct {
	clock  *Clock
	shards [shardCount]*shard
}

// NewReplica builds an empty replica stamped by the given clock.
func NewReplica(clock *Clock) *Replica {
	r := &Replica{clock: clock}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return r
}

// Clock exposes the replica's logical clock.
func (r *Replica) Clock() *Clock { return r.clock }

func (r *Replica) shardFor(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.Grantor))
	h.Write([]byte{0})
	h.Write([]byte(k.Grantee))
	return r.shards[h.Sum32()%shardCount]
}

// Lookup returns the live grant for the key, or nil. Expired grants are
// treated as absent. The returned grant is a copy.
func (r *Replica) Lookup(grantor, grantee string) *Grant {
	return r.lookupAt(Key{Grantor: grantor, Grantee: grantee}, time.Now())
}

func (r *Replica) lookupAt(k Key, now time.Time) *Grant {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	if !ok || e.live == nil || e.live.Expired(now) {
		return nil
	}
	g := *e.live
	return &g
}

// Revoked reports whether the key carries a tombstone that is not
// dominated by a live grant. Decision logic uses this to discard stale
// token-embedded grants after a local revoke has been observed.
func (r *Replica) Revoked(grantor, grantee string) bool {
	k := Key{Grantor: grantor, Grantee: grantee}
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return ok && e.tomb != nil && e.live == nil
}

// Put applies a create: adds the contribution for the key, keeping its
// own stamp. A tombstone with a dominating stamp keeps the contribution
// dead. Returns the resulting live grant (nil when suppressed).
// Replaying a contribution with an already-seen stamp is idempotent.
func (r *Replica) Put(g Grant) *Grant {
	k := g.Key()
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	replaced := false
	for i := range e.contribs {
		if e.contribs[i].Stamp == g.Stamp {
			e.contribs[i] = g
			replaced = true
			break
		}
	}
	if !replaced {
		e.contribs = append(e.contribs, g)
	}
	r.resolve(e)
	if e.live == nil {
		return nil
	}
	out := *e.live
	return &out
}

// Delete applies a revoke tombstone. Idempotent: revoking an absent
// grant records the tombstone and nothing else.
func (r *Replica) Delete(t Tombstone) {
	k := t.Key()
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	if e.tomb == nil || e.tomb.Stamp.Less(t.Stamp) {
		t := t
		e.tomb = &t
	}
	r.resolve(e)
}

// resolve enforces the tombstone-versus-create rule on one entry and
// rebuilds the live union. Each contribution is compared against the
// tombstone under its own stamp; dominance never transfers between
// contributions, so merge order cannot change which creates survive.
// The caller holds the shard lock.
func (r *Replica) resolve(e *entry) {
	if e.tomb != nil {
		kept := e.contribs[:0]
		for _, c := range e.contribs {
			if !e.tomb.Stamp.Dominates(c.Stamp) {
				kept = append(kept, c)
			}
		}
		e.contribs = kept
	}
	if len(e.contribs) == 0 {
		e.live = nil
		return
	}
	live := e.contribs[0]
	for _, c := range e.contribs[1:] {
		live = live.merge(c)
	}
	e.live = &live
}

// ListByScope returns grants where the scope is grantor (outgoing) and
// where it is grantee (incoming). Expired grants are skipped.
func (r *Replica) ListByScope(scope string) (outgoing, incoming []Grant) {
	now := time.Now()
	for _, s := range r.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			if e.live == nil || e.live.Expired(now) {
				continue
			}
			if k.Grantor == scope {
				outgoing = append(outgoing, *e.live)
			}
			if k.Grantee == scope {
				incoming = append(incoming, *e.live)
			}
		}
		s.mu.RUnlock()
	}
	sortGrants(outgoing)
	sortGrants(incoming)
	return outgoing, incoming
}

// Snapshot captures the replica as a mergeable State. Contributions are
// exported individually so a peer can weigh each against its own
// tombstones; exporting the union would re-collapse the stamps.
func (r *Replica) Snapshot() State {
	st := State{Replica: r.clock.Replica()}
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			st.Grants = append(st.Grants, e.contribs...)
			if e.tomb != nil {
				st.Tombstones = append(st.Tombstones, *e.tomb)
			}
		}
		s.mu.RUnlock()
	}
	sortGrants(st.Grants)
	sort.Slice(st.Tombstones, func(i, j int) bool {
		return st.Tombstones[i].Key().String() < st.Tombstones[j].Key().String()
	})
	return st
}

// Merge joins a remote state into this replica. The operation is
// commutative, associative, and idempotent: applying the same state
// twice, or two states in either order, converges to one result. The
// local clock advances past every stamp seen so subsequent local
// mutations dominate the merged history.
func (r *Replica) Merge(remote State) {
	for _, g := range remote.Grants {
		r.clock.Observe(g.Stamp)
		r.Put(g)
	}
	for _, t := range remote.Tombstones {
		r.clock.Observe(t.Stamp)
		r.Delete(t)
	}
}

// MergeStates joins two states without mutating either input. The
// replica ID of the first state is kept.
func MergeStates(a, b State) State {
	clock := NewClock(a.Replica)
	rep := NewReplica(clock)
	rep.Merge(a)
	rep.Merge(b)
	return rep.Snapshot()
}

func sortGrants(gs []Grant) {
	sort.Slice(gs, func(i, j int) bool {
		ki, kj := gs[i].Key().String(), gs[j].Key().String()
		if ki != kj {
			return ki < kj
		}
		return gs[i].Stamp.Less(gs[j].Stamp)
	})
}
