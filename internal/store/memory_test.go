package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySessionLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.CreateSession(ctx, &Session{ID: "s1", Name: "one", Cwd: "/a", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "s2", Cwd: "/b", CreatedAt: now, UpdatedAt: now.Add(time.Second)}))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "one", got.Name)

	_, err = m.GetSession(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	got.Bypass = true
	require.NoError(t, m.UpdateSession(ctx, got))
	got, err = m.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, got.Bypass)

	require.ErrorIs(t, m.UpdateSession(ctx, &Session{ID: "nope"}), ErrNotFound)

	all, err := m.ListSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	scoped, err := m.ListSessions(ctx, "/b")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.Equal(t, "s2", scoped[0].ID)
}

func TestMemoryMutationsDoNotAlias(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	sess := &Session{ID: "s1", Name: "before", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, m.CreateSession(ctx, sess))

	// Mutating the caller's struct must not leak into the store.
	sess.Name = "after"
	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "before", got.Name)
}

func TestMemoryBranches(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.CreateBranch(ctx, &Branch{ID: "b1", SessionID: "s1", CreatedAt: now}))
	require.NoError(t, m.CreateBranch(ctx, &Branch{ID: "b2", SessionID: "s1", CreatedAt: now.Add(time.Second)}))

	branches, err := m.ListBranches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, branches, 2)

	latest, err := m.GetLatestBranch(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "b2", latest.ID)

	_, err = m.GetLatestBranch(ctx, "empty")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMessageQueries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"m0", "m1", "m2"} {
		require.NoError(t, m.CreateMessage(ctx, &Message{
			ID: id, BranchID: "b1", Role: RoleUser,
			Parts:     []Part{TextPart(id)},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := m.ListMessages(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m0", msgs[0].ID)

	after, err := m.ListMessagesAfter(ctx, "b1", "m1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, "m2", after[0].ID)

	// Unknown anchor yields an empty slice, not an error.
	none, err := m.ListMessagesAfter(ctx, "b1", "unknown")
	require.NoError(t, err)
	require.Empty(t, none)

	since, err := m.ListMessagesSince(ctx, "b1", now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, "m2", since[0].ID)
}

func TestMemoryCheckpoints(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := m.GetLatestCheckpoint(ctx, "b1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.CreateCheckpoint(ctx, &Checkpoint{ID: "c1", Kind: CheckpointCompaction, BranchID: "b1", CreatedAt: now}))
	require.NoError(t, m.CreateCheckpoint(ctx, &Checkpoint{ID: "c2", Kind: CheckpointPlan, BranchID: "b1", CreatedAt: now}))

	cp, err := m.GetLatestCheckpoint(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "c2", cp.ID)
}

func TestMemoryEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, rec := range []*EventRecord{
		{Type: "session.started", SessionID: "s1", CreatedAt: now},
		{Type: "stream.started", SessionID: "s1", BranchID: "b1", CreatedAt: now},
		{Type: "stream.started", SessionID: "s1", BranchID: "b2", CreatedAt: now},
	} {
		require.NoError(t, m.AppendEvent(ctx, rec))
	}

	id, err := m.GetLatestEventID(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), id)

	id, err = m.GetLatestEventID(ctx, EventFilter{SessionID: "none"})
	require.NoError(t, err)
	require.Zero(t, id)

	recs, err := m.ListEvents(ctx, EventFilter{SessionID: "s1", BranchID: "b1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = m.ListEvents(ctx, EventFilter{SessionID: "s1", AfterID: 1})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestEventFilterMatches(t *testing.T) {
	f := EventFilter{SessionID: "s1", BranchID: "b1"}
	require.True(t, f.Matches(&EventRecord{SessionID: "s1", BranchID: "b1"}))
	require.True(t, f.Matches(&EventRecord{SessionID: "s1"}))
	require.False(t, f.Matches(&EventRecord{SessionID: "s1", BranchID: "b2"}))
	require.False(t, f.Matches(&EventRecord{SessionID: "s2", BranchID: "b1"}))

	all := EventFilter{SessionID: "s1"}
	require.True(t, all.Matches(&EventRecord{SessionID: "s1", BranchID: "b2"}))
}
