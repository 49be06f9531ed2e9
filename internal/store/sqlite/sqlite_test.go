package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := &store.Session{ID: "s1", Name: "first", Cwd: "/tmp", Bypass: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, sess, got)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	sess.Name = "renamed"
	sess.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.UpdateSession(ctx, sess))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.ErrorIs(t, s.UpdateSession(ctx, &store.Session{ID: "missing"}), store.ErrNotFound)
}

func TestListSessionsFiltersByCwd(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, &store.Session{ID: "a", Cwd: "/x", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateSession(ctx, &store.Session{ID: "b", Cwd: "/y", CreatedAt: now, UpdatedAt: now.Add(time.Second)}))

	all, err := s.ListSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first.
	require.Equal(t, "b", all[0].ID)

	only, err := s.ListSessions(ctx, "/x")
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, "a", only[0].ID)
}

func seedBranch(t *testing.T, s *Store, sessionID, branchID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		require.NoError(t, s.CreateSession(ctx, &store.Session{ID: sessionID, CreatedAt: at, UpdatedAt: at}))
	}
	require.NoError(t, s.CreateBranch(ctx, &store.Branch{ID: branchID, SessionID: sessionID, Name: "main", CreatedAt: at}))
}

func TestBranchOps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	seedBranch(t, s, "s1", "b1", now)
	seedBranch(t, s, "s1", "b2", now.Add(time.Second))

	got, err := s.GetBranch(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "main", got.Name)

	branches, err := s.ListBranches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, branches, 2)
	require.Equal(t, "b1", branches[0].ID)

	latest, err := s.GetLatestBranch(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "b2", latest.ID)

	_, err = s.GetLatestBranch(ctx, "empty")
	require.ErrorIs(t, err, store.ErrNotFound)

	got.Summary = "done"
	require.NoError(t, s.UpdateBranch(ctx, got))
	got, err = s.GetBranch(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "done", got.Summary)
}

func TestMessageOrderingAndQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedBranch(t, s, "s1", "b1", now)

	for i := 0; i < 3; i++ {
		msg := &store.Message{
			ID:        []string{"m0", "m1", "m2"}[i],
			SessionID: "s1",
			BranchID:  "b1",
			Role:      store.RoleUser,
			Parts:     []store.Part{store.TextPart("msg")},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateMessage(ctx, msg))
	}

	msgs, err := s.ListMessages(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m0", msgs[0].ID)
	require.Equal(t, "m2", msgs[2].ID)

	after, err := s.ListMessagesAfter(ctx, "b1", "m0")
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, "m1", after[0].ID)

	none, err := s.ListMessagesAfter(ctx, "b1", "missing")
	require.NoError(t, err)
	require.Empty(t, none)

	since, err := s.ListMessagesSince(ctx, "b1", now)
	require.NoError(t, err)
	require.Len(t, since, 2)

	future, err := s.ListMessagesSince(ctx, "b1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, future)
}

func TestMessagePartsSurviveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedBranch(t, s, "s1", "b1", now)

	msg := &store.Message{
		ID:        "m1",
		SessionID: "s1",
		BranchID:  "b1",
		Role:      store.RoleAssistant,
		Parts: []store.Part{
			store.TextPart("calling a tool"),
			store.ToolCallPart("t1", "read_file", json.RawMessage(`{"path":"a.md"}`)),
		},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateMessage(ctx, msg))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, msg.Parts, got.Parts)
	require.Equal(t, store.RoleAssistant, got.Role)
}

func TestCheckpointLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedBranch(t, s, "s1", "b1", now)

	_, err := s.GetLatestCheckpoint(ctx, "b1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CreateCheckpoint(ctx, &store.Checkpoint{
		ID: "c1", Kind: store.CheckpointCompaction, BranchID: "b1", Summary: "old", CreatedAt: now,
	}))
	require.NoError(t, s.CreateCheckpoint(ctx, &store.Checkpoint{
		ID: "c2", Kind: store.CheckpointPlan, BranchID: "b1", PlanPath: "/plan.md", CreatedAt: now.Add(time.Second),
	}))

	cp, err := s.GetLatestCheckpoint(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "c2", cp.ID)
	require.Equal(t, store.CheckpointPlan, cp.Kind)
	require.Equal(t, "/plan.md", cp.PlanPath)
}

func TestEventSequenceAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, rec := range []*store.EventRecord{
		{Type: "session.started", SessionID: "s1", CreatedAt: now},
		{Type: "stream.started", SessionID: "s1", BranchID: "b1", Payload: json.RawMessage(`{"model":"m"}`), CreatedAt: now},
		{Type: "stream.started", SessionID: "s1", BranchID: "b2", CreatedAt: now},
		{Type: "session.started", SessionID: "s2", CreatedAt: now},
	} {
		require.NoError(t, s.AppendEvent(ctx, rec))
	}

	// Ids are a strictly increasing global sequence.
	recs, err := s.ListEvents(ctx, store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, uint64(1), recs[0].ID)
	require.Equal(t, uint64(3), recs[2].ID)

	// Branch filter keeps session-scoped events.
	recs, err = s.ListEvents(ctx, store.EventFilter{SessionID: "s1", BranchID: "b1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "session.started", recs[0].Type)
	require.JSONEq(t, `{"model":"m"}`, string(recs[1].Payload))

	recs, err = s.ListEvents(ctx, store.EventFilter{SessionID: "s1", AfterID: 2})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	id, err := s.GetLatestEventID(ctx, store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), id)

	id, err = s.GetLatestEventID(ctx, store.EventFilter{SessionID: "nope"})
	require.NoError(t, err)
	require.Zero(t, id)
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gent.db")

	s, err := Open(path)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateSession(context.Background(), &store.Session{ID: "s1", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
}
