// Package audit persists the trail of grant mutations and serves it
// back for review. Writes never block the mutation path.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtmx-ai/rtmx-trust/internal/grant"
)

// Record is one audited mutation as stored and listed.
type Record struct {
	ID          uuid.UUID `json:"id"`
	Actor       string    `json:"actor"`
	Operation   string    `json:"operation"`
	Grantor     string    `json:"grantor"`
	Grantee     string    `json:"grantee"`
	BeforeRoles []string  `json:"before_roles"`
	AfterRoles  []string  `json:"after_roles"`
	At          time.Time `json:"at"`
}

// Filters narrows a listing. Zero values mean no filter.
type Filters struct {
	Actor     string
	Grantor   string
	Grantee   string
	Operation string
	From      time.Time
	To        time.Time
	Limit     int
}

// Service writes mutation records to Postgres and lists them. It
// implements grant.Auditor; write failures are logged and swallowed so
// an unreachable sink never blocks a revoke.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService constructs the audit service.
func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, logger: logger}
}

// GrantMutation records one grant store mutation.
func (s *Service) GrantMutation(ctx context.Context, entry grant.AuditEntry) {
	if s.pool == nil {
		return
	}
	const q = `
		INSERT INTO grant_audit (id, actor, operation, grantor, grantee, before_roles, after_roles, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q,
		entry.ID, entry.Actor, entry.Operation, entry.Grantor, entry.Grantee,
		entry.BeforeRoles, entry.AfterRoles, entry.At)
	if err != nil {
		s.logger.Warn("audit write failed",
			"operation", entry.Operation,
			"grantor", entry.Grantor,
			"grantee", entry.Grantee,
			"error", err)
	}
}

// List returns records matching the filters, newest first.
func (s *Service) List(ctx context.Context, f Filters) ([]Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("audit: pool not configured")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	const q = `
		SELECT id, actor, operation, grantor, grantee, before_roles, after_roles, at
		FROM grant_audit
		WHERE ($1 = '' OR actor = $1)
		  AND ($2 = '' OR grantor = $2)
		  AND ($3 = '' OR grantee = $3)
		  AND ($4 = '' OR operation = $4)
		  AND ($5::timestamptz IS NULL OR at >= $5)
		  AND ($6::timestamptz IS NULL OR at <= $6)
		ORDER BY at DESC
		LIMIT $7`
	rows, err := s.pool.Query(ctx, q,
		strings.TrimSpace(f.Actor),
		strings.TrimSpace(f.Grantor),
		strings.TrimSpace(f.Grantee),
		strings.TrimSpace(f.Operation),
		toPgTime(f.From), toPgTime(f.To), limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Actor, &r.Operation, &r.Grantor, &r.Grantee, &r.BeforeRoles, &r.AfterRoles, &r.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
