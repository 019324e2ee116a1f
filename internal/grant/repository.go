package grant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtmx-ai/rtmx-trust/internal/platform/db"
)

// PgRepository stores durable grant snapshots in postgres. The replica
// remains the read path; these tables only survive restarts.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository returns a repository backed by the provided pool.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// UpsertGrant writes one create contribution, keyed by grant identity
// and stamp. A key accumulates one row per surviving create; collapsing
// them into a single row would lose the stamps the tombstone comparison
// runs on.
func (r *PgRepository) UpsertGrant(ctx context.Context, g Grant) error {
	rolesJSON, err := json.Marshal(g.Roles)
	if err != nil {
		return fmt.Errorf("grant: marshal roles: %w", err)
	}
	constraintsJSON, err := json.Marshal(g.Constraints)
	if err != nil {
		return fmt.Errorf("grant: marshal constraints: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO grants (grantor, grantee, roles, constraints, created_at, created_by, expires_at, stamp_counter, stamp_replica)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (grantor, grantee, stamp_counter, stamp_replica) DO UPDATE SET
			roles = EXCLUDED.roles,
			constraints = EXCLUDED.constraints,
			expires_at = EXCLUDED.expires_at`,
		g.Grantor, g.Grantee, rolesJSON, constraintsJSON, g.CreatedAt, g.CreatedBy, g.ExpiresAt, int64(g.Stamp.Counter), g.Stamp.Replica)
	if err != nil {
		return fmt.Errorf("grant: upsert grant: %w", err)
	}
	return nil
}

// UpsertTombstone writes the revoke marker and clears every grant row
// the tombstone dominates. Both writes land in one transaction so a
// crash cannot leave a revoked grant without its tombstone.
func (r *PgRepository) UpsertTombstone(ctx context.Context, t Tombstone) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO grant_tombstones (grantor, grantee, stamp_counter, stamp_replica, actor, revoked_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (grantor, grantee) DO UPDATE SET
				stamp_counter = EXCLUDED.stamp_counter,
				stamp_replica = EXCLUDED.stamp_replica,
				actor = EXCLUDED.actor,
				revoked_at = EXCLUDED.revoked_at
			WHERE grant_tombstones.stamp_counter < EXCLUDED.stamp_counter
			   OR (grant_tombstones.stamp_counter = EXCLUDED.stamp_counter AND grant_tombstones.stamp_replica < EXCLUDED.stamp_replica)`,
			t.Grantor, t.Grantee, int64(t.Stamp.Counter), t.Stamp.Replica, t.Actor, t.At)
		if err != nil {
			return fmt.Errorf("grant: upsert tombstone: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM grants WHERE grantor = $1 AND grantee = $2 AND stamp_counter <= $3`,
			t.Grantor, t.Grantee, int64(t.Stamp.Counter))
		if err != nil {
			return fmt.Errorf("grant: clear revoked grant: %w", err)
		}
		return nil
	})
}

// LoadState reads the full durable snapshot for replica restore.
func (r *PgRepository) LoadState(ctx context.Context) (State, error) {
	var st State

	rows, err := r.pool.Query(ctx, `
		SELECT grantor, grantee, roles, constraints, created_at, created_by, expires_at, stamp_counter, stamp_replica
		FROM grants`)
	if err != nil {
		return State{}, fmt.Errorf("grant: load grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			g               Grant
			rolesJSON       []byte
			constraintsJSON []byte
			counter         int64
			expires         *time.Time
		)
		if err := rows.Scan(&g.Grantor, &g.Grantee, &rolesJSON, &constraintsJSON, &g.CreatedAt, &g.CreatedBy, &expires, &counter, &g.Stamp.Replica); err != nil {
			return State{}, fmt.Errorf("grant: scan grant: %w", err)
		}
		if err := json.Unmarshal(rolesJSON, &g.Roles); err != nil {
			return State{}, fmt.Errorf("grant: decode roles: %w", err)
		}
		if err := json.Unmarshal(constraintsJSON, &g.Constraints); err != nil {
			return State{}, fmt.Errorf("grant: decode constraints: %w", err)
		}
		g.ExpiresAt = expires
		g.Stamp.Counter = uint64(counter)
		st.Grants = append(st.Grants, g)
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("grant: iterate grants: %w", err)
	}

	tombRows, err := r.pool.Query(ctx, `
		SELECT grantor, grantee, stamp_counter, stamp_replica, actor, revoked_at
		FROM grant_tombstones`)
	if err != nil {
		return State{}, fmt.Errorf("grant: load tombstones: %w", err)
	}
	defer tombRows.Close()
	for tombRows.Next() {
		var (
			t       Tombstone
			counter int64
		)
		if err := tombRows.Scan(&t.Grantor, &t.Grantee, &counter, &t.Stamp.Replica, &t.Actor, &t.At); err != nil {
			return State{}, fmt.Errorf("grant: scan tombstone: %w", err)
		}
		t.Stamp.Counter = uint64(counter)
		st.Tombstones = append(st.Tombstones, t)
	}
	if err := tombRows.Err(); err != nil {
		return State{}, fmt.Errorf("grant: iterate tombstones: %w", err)
	}
	return st, nil
}
