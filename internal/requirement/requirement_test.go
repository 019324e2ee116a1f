package requirement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleDB() *Database {
	return NewDatabase([]Requirement{
		{ID: "REQ-SW-001", Category: "core", Status: StatusComplete},
		{ID: "REQ-SW-002", Category: "core", Status: StatusInProgress, Dependencies: []string{"REQ-SW-001"}},
		{ID: "REQ-SW-003", Category: "core", Status: StatusMissing, Dependencies: []string{"REQ-SW-002"}},
		{ID: "REQ-SW-004", Category: "sync", Status: StatusMissing, Dependencies: []string{"sync:REQ-SYNC-001"}},
	})
}

func TestParseStatus(t *testing.T) {
	require.Equal(t, StatusComplete, ParseStatus("complete"))
	require.Equal(t, StatusInProgress, ParseStatus(" IN_PROGRESS "))
	require.Equal(t, StatusMissing, ParseStatus("whatever"))
	require.Equal(t, StatusMissing, ParseStatus(""))
}

func TestDatabaseLookups(t *testing.T) {
	db := sampleDB()
	require.Equal(t, 4, db.Len())

	r, ok := db.Get("REQ-SW-002")
	require.True(t, ok)
	require.Equal(t, StatusInProgress, r.Status)

	require.False(t, db.Exists("REQ-NOPE"))

	all := db.All()
	require.Len(t, all, 4)
	require.Equal(t, "REQ-SW-001", all[0].ID)
}

func TestDatabaseLastWritePerIDWins(t *testing.T) {
	db := NewDatabase([]Requirement{
		{ID: "REQ-1", Status: StatusMissing},
		{ID: "REQ-1", Status: StatusComplete},
	})
	require.Equal(t, 1, db.Len())
	r, _ := db.Get("REQ-1")
	require.Equal(t, StatusComplete, r.Status)
}

type stubLookup struct {
	status Status
	ok     bool
}

func (s stubLookup) Status(context.Context, Ref) (Status, bool) {
	return s.status, s.ok
}

func TestBlockedByLocalDependency(t *testing.T) {
	db := sampleDB()
	ctx := context.Background()

	r2, _ := db.Get("REQ-SW-002")
	require.False(t, db.Blocked(ctx, r2, nil))

	r3, _ := db.Get("REQ-SW-003")
	require.True(t, db.Blocked(ctx, r3, nil))
}

func TestBlockedByCrossRepoDependency(t *testing.T) {
	db := sampleDB()
	ctx := context.Background()
	r4, _ := db.Get("REQ-SW-004")

	require.True(t, db.Blocked(ctx, r4, stubLookup{status: StatusInProgress, ok: true}))
	require.False(t, db.Blocked(ctx, r4, stubLookup{status: StatusComplete, ok: true}))

	// An unreachable remote cannot be verified and does not block.
	require.False(t, db.Blocked(ctx, r4, stubLookup{ok: false}))
	require.False(t, db.Blocked(ctx, r4, nil))
}
