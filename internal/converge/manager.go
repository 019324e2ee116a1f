package converge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rtmx-ai/rtmx-trust/internal/grant"
)

// PeerState tracks whether a peer is currently reachable. A peer starts
// Connected and flips to Partitioned after a failed exchange; a
// successful exchange flips it back.
type PeerState int

const (
	Connected PeerState = iota
	Partitioned
)

func (s PeerState) String() string {
	if s == Partitioned {
		return "partitioned"
	}
	return "connected"
}

// PeerStatus is the externally visible view of one peer.
type PeerStatus struct {
	Peer     Peer      `json:"peer"`
	State    PeerState `json:"-"`
	StateStr string    `json:"state"`
	LastSync time.Time `json:"last_sync,omitempty"`
	Failures int       `json:"failures"`
	Pending  int       `json:"pending"`
}

type peerEntry struct {
	peer     Peer
	state    PeerState
	lastSync time.Time
	failures int
	pending  []grant.Mutation
}

// ManagerConfig wires the manager's dependencies.
type ManagerConfig struct {
	Replica *grant.Replica
	Client  *Client
	Peers   []Peer
	// Repo, when set, persists merged grants and tombstones after each
	// successful exchange so restarts recover the converged state.
	Repo   grant.Repository
	Logger *slog.Logger
}

// Manager reconciles the local replica with each configured peer.
// Mutations made while a peer is partitioned are queued per peer and
// drained by the next successful exchange; the exchange itself carries
// full state, so the queue exists for observability and backoff
// decisions rather than replay.
type Manager struct {
	mu      sync.Mutex
	peers   map[string]*peerEntry
	replica *grant.Replica
	client  *Client
	repo    grant.Repository
	logger  *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		peers:   make(map[string]*peerEntry, len(cfg.Peers)),
		replica: cfg.Replica,
		client:  cfg.Client,
		repo:    cfg.Repo,
		logger:  logger,
	}
	for _, p := range cfg.Peers {
		m.peers[p.Name] = &peerEntry{peer: p, state: Connected}
	}
	return m
}

// Enqueue records a local mutation against every currently partitioned
// peer. Wire it to the grant store's OnMutate hook.
func (m *Manager) Enqueue(mut grant.Mutation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.peers {
		if e.state == Partitioned {
			e.pending = append(e.pending, mut)
		}
	}
}

// State reports the reachability of one peer. Unknown peers read as
// Partitioned so callers fail toward the degraded path.
func (m *Manager) State(name string) PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[name]
	if !ok {
		return Partitioned
	}
	return e.state
}

// Peers returns the status of every configured peer, for the sync
// status endpoint.
func (m *Manager) Peers() []PeerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerStatus, 0, len(m.peers))
	for _, e := range m.peers {
		out = append(out, PeerStatus{
			Peer:     e.peer,
			State:    e.state,
			StateStr: e.state.String(),
			LastSync: e.lastSync,
			Failures: e.failures,
			Pending:  len(e.pending),
		})
	}
	return out
}

// Sync exchanges state with one peer and merges the response into the
// local replica. On failure the peer is marked Partitioned and the
// error returned so the job scheduler can back off.
func (m *Manager) Sync(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.peers[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	peer := e.peer
	m.mu.Unlock()

	local := m.replica.Snapshot()
	remote, err := m.client.ExchangeState(ctx, peer, local)
	if err != nil {
		m.mu.Lock()
		e.state = Partitioned
		e.failures++
		m.mu.Unlock()
		m.logger.Warn("peer sync failed", "peer", name, "error", err)
		return err
	}

	m.replica.Merge(remote)
	m.persist(ctx)

	m.mu.Lock()
	if e.state == Partitioned {
		m.logger.Info("peer reconnected", "peer", name, "queued_mutations", len(e.pending))
	}
	e.state = Connected
	e.failures = 0
	e.pending = nil
	e.lastSync = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// SyncAll exchanges with every peer concurrently and returns the
// per-peer errors for those that failed. A slow peer must not delay the
// others.
func (m *Manager) SyncAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	names := make([]string, 0, len(m.peers))
	for name := range m.peers {
		names = append(names, name)
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  = make(map[string]error)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, name := range names {
		g.Go(func() error {
			if err := m.Sync(ctx, name); err != nil {
				errMu.Lock()
				errs[name] = err
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}

// HandleExchange is the server half of an exchange: merge the caller's
// state, then answer with ours. The caller merges the response, so one
// round trip converges both sides.
func (m *Manager) HandleExchange(ctx context.Context, remote grant.State) grant.State {
	m.replica.Merge(remote)
	m.persist(ctx)
	return m.replica.Snapshot()
}

// Failures reports consecutive exchange failures for backoff decisions.
func (m *Manager) Failures(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.peers[name]; ok {
		return e.failures
	}
	return 0
}

func (m *Manager) persist(ctx context.Context) {
	if m.repo == nil {
		return
	}
	state := m.replica.Snapshot()
	for _, g := range state.Grants {
		if err := m.repo.UpsertGrant(ctx, g); err != nil {
			m.logger.Warn("persist merged grant failed", "grantor", g.Grantor, "grantee", g.Grantee, "error", err)
		}
	}
	for _, t := range state.Tombstones {
		if err := m.repo.UpsertTombstone(ctx, t); err != nil {
			m.logger.Warn("persist merged tombstone failed", "grantor", t.Grantor, "grantee", t.Grantee, "error", err)
		}
	}
}
