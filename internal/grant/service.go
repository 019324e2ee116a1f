package grant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rtmx-ai/rtmx-trust/internal/roles"
)

// ErrAdminRequired rejects a revoke by a non-admin actor.
var ErrAdminRequired = errors.New("grant: revoke requires admin over the grantor")

// ErrInvalidGrant rejects malformed create requests.
var ErrInvalidGrant = errors.New("grant: invalid grant request")

// Actor is the validated identity performing a grant mutation, reduced
// to what the store needs. Built from a token claim set by the caller.
type Actor struct {
	Subject string
	Email   string
	// Roles the identity holds on its home repository.
	Roles []roles.Role
	// Grants is the token's repository-to-roles mapping, used as a
	// delegation-bounds hint alongside the store's own records.
	Grants map[string][]roles.Role
}

// AuditEntry records one store mutation for the compliance sink.
type AuditEntry struct {
	ID          uuid.UUID
	Actor       string
	Operation   string
	Grantor     string
	Grantee     string
	BeforeRoles []string
	AfterRoles  []string
	At          time.Time
}

// Auditor receives every grant mutation. Failures are logged, never
// propagated; an unreachable sink must not block revocation.
type Auditor interface {
	GrantMutation(ctx context.Context, entry AuditEntry)
}

// Repository persists durable snapshots so a restarted node reloads its
// replica instead of starting empty.
type Repository interface {
	UpsertGrant(ctx context.Context, g Grant) error
	UpsertTombstone(ctx context.Context, t Tombstone) error
	LoadState(ctx context.Context) (State, error)
}

// Store wires the replica, the audit sink, durable persistence, and the
// replication hook into the grant operations the rest of the system
// calls.
type Store struct {
	replica   *Replica
	localRepo string
	audit     Auditor
	repo      Repository
	onMutate  func(Mutation)
	logger    *slog.Logger
}

// StoreConfig collects the Store dependencies. Audit, Repo, and OnMutate
// are optional; a nil Repo keeps the store memory-only.
type StoreConfig struct {
	Replica   *Replica
	LocalRepo string
	Audit     Auditor
	Repo      Repository
	OnMutate  func(Mutation)
	Logger    *slog.Logger
}

// NewStore constructs the grant store service.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		replica:   cfg.Replica,
		localRepo: cfg.LocalRepo,
		audit:     cfg.Audit,
		repo:      cfg.Repo,
		onMutate:  cfg.OnMutate,
		logger:    logger,
	}
}

// Replica exposes the underlying replica for read paths (decisions).
func (s *Store) Replica() *Replica { return s.replica }

// Restore loads the durable snapshot into the replica. Called once at
// boot; an empty repository yields an empty replica.
func (s *Store) Restore(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	st, err := s.repo.LoadState(ctx)
	if err != nil {
		return err
	}
	s.replica.Merge(st)
	return nil
}

// EffectiveRoles computes the roles the actor currently holds over the
// grantor repository: any live store grant to the actor, plus the
// actor's home-repository roles when the grantor is this node's own
// repository, plus token-embedded grants not invalidated by an observed
// revoke.
func (s *Store) EffectiveRoles(actor Actor, grantor string) RoleSet {
	effective := make(RoleSet)
	if g := s.replica.Lookup(grantor, actor.Subject); g != nil {
		effective = effective.Union(g.Roles)
	}
	if grantor == s.localRepo {
		for _, r := range actor.Roles {
			if roles.Known(r) {
				effective[roles.Normalize(string(r))] = struct{}{}
			}
		}
	}
	if !s.replica.Revoked(grantor, actor.Subject) {
		for _, r := range actor.Grants[grantor] {
			if roles.Known(r) {
				effective[roles.Normalize(string(r))] = struct{}{}
			}
		}
	}
	return effective
}

// CreateRequest carries the parameters of a grant create.
type CreateRequest struct {
	Grantor     string
	Grantee     string
	Roles       []string
	Constraints Constraints
	ExpiresAt   *time.Time
}

// Create validates delegation bounds and unions the requested roles into
// the record for (grantor, grantee), creating it when absent. Returns
// the resulting live grant.
func (s *Store) Create(ctx context.Context, actor Actor, req CreateRequest) (*Grant, error) {
	if !ValidRepo(req.Grantor) || req.Grantee == "" || len(req.Roles) == 0 {
		return nil, ErrInvalidGrant
	}
	requested := NewRoleSet(req.Roles...)
	for _, r := range requested.List() {
		if !roles.Known(r) {
			return nil, ErrInvalidGrant
		}
	}

	effective := s.EffectiveRoles(actor, req.Grantor)
	var missing []roles.Role
	for _, r := range requested.List() {
		if !effective.Contains(r) {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, &DelegationBoundsError{Actor: actor.Subject, Grantor: req.Grantor, Missing: missing}
	}

	before := RoleSet{}
	if existing := s.replica.Lookup(req.Grantor, req.Grantee); existing != nil {
		before = existing.Roles
	}

	g := Grant{
		Grantor:     req.Grantor,
		Grantee:     req.Grantee,
		Roles:       requested,
		Constraints: req.Constraints,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   actor.Subject,
		ExpiresAt:   req.ExpiresAt,
		Stamp:       s.replica.Clock().Tick(),
	}
	live := s.replica.Put(g)
	if live == nil {
		// A dominating tombstone suppressed the create; the clock ticks
		// past observed stamps, so this only happens on a stale replay.
		return nil, ErrInvalidGrant
	}

	// The contribution is persisted under its own stamp, not the live
	// union, so a restore replays the same per-create history a peer
	// would see in a snapshot.
	s.persist(ctx, func(ctx context.Context) error { return s.repo.UpsertGrant(ctx, g) })
	s.record(ctx, actor, "create", req.Grantor, req.Grantee, before, live.Roles)
	s.emit(Mutation{ID: uuid.New(), Kind: MutationCreate, Grant: live, At: time.Now().UTC()})
	return live, nil
}

// Revoke removes the live record for (grantor, grantee) and leaves a
// tombstone. Requires admin over the grantor. Idempotent: revoking an
// absent grant records the tombstone and succeeds.
func (s *Store) Revoke(ctx context.Context, actor Actor, grantor, grantee string) error {
	if !ValidRepo(grantor) || grantee == "" {
		return ErrInvalidGrant
	}
	effective := s.EffectiveRoles(actor, grantor)
	if !roles.Satisfies(effective.List(), roles.Admin) {
		return ErrAdminRequired
	}

	before := RoleSet{}
	if existing := s.replica.Lookup(grantor, grantee); existing != nil {
		before = existing.Roles
	}

	t := Tombstone{
		Grantor: grantor,
		Grantee: grantee,
		Stamp:   s.replica.Clock().Tick(),
		Actor:   actor.Subject,
		At:      time.Now().UTC(),
	}
	s.replica.Delete(t)

	s.persist(ctx, func(ctx context.Context) error { return s.repo.UpsertTombstone(ctx, t) })
	s.record(ctx, actor, "revoke", grantor, grantee, before, RoleSet{})
	s.emit(Mutation{ID: uuid.New(), Kind: MutationRevoke, Tombstone: &t, At: time.Now().UTC()})
	return nil
}

// Lookup reads the local replica; it never blocks on a remote fetch.
func (s *Store) Lookup(grantor, grantee string) *Grant {
	return s.replica.Lookup(grantor, grantee)
}

// List returns the outgoing and incoming grants for a repository scope.
func (s *Store) List(scope string) (outgoing, incoming []Grant) {
	return s.replica.ListByScope(scope)
}

func (s *Store) persist(ctx context.Context, fn func(context.Context) error) {
	if s.repo == nil {
		return
	}
	if err := fn(ctx); err != nil {
		s.logger.Warn("grant: persist mutation", slog.Any("error", err))
	}
}

func (s *Store) record(ctx context.Context, actor Actor, op, grantor, grantee string, before, after RoleSet) {
	if s.audit == nil {
		return
	}
	s.audit.GrantMutation(ctx, AuditEntry{
		ID:          uuid.New(),
		Actor:       actor.Subject,
		Operation:   op,
		Grantor:     grantor,
		Grantee:     grantee,
		BeforeRoles: before.Strings(),
		AfterRoles:  after.Strings(),
		At:          time.Now().UTC(),
	})
}

func (s *Store) emit(m Mutation) {
	if s.onMutate != nil {
		s.onMutate(m)
	}
}
