package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/store"
)

// Requires a reachable database; set GENT_TEST_POSTGRES_DSN to run.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GENT_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sessID := uuid.NewString()
	branchID := uuid.NewString()
	require.NoError(t, s.CreateSession(ctx, &store.Session{ID: sessID, Name: "pg", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateBranch(ctx, &store.Branch{ID: branchID, SessionID: sessID, Name: "main", CreatedAt: now}))

	msgID := uuid.NewString()
	require.NoError(t, s.CreateMessage(ctx, &store.Message{
		ID: msgID, SessionID: sessID, BranchID: branchID, Role: store.RoleUser,
		Parts: []store.Part{store.TextPart("hello")}, CreatedAt: now,
	}))

	msgs, err := s.ListMessages(ctx, branchID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Parts[0].Text)

	none, err := s.ListMessagesAfter(ctx, branchID, "missing")
	require.NoError(t, err)
	require.Empty(t, none)

	rec := &store.EventRecord{Type: "session.started", SessionID: sessID, CreatedAt: now}
	require.NoError(t, s.AppendEvent(ctx, rec))
	require.NotZero(t, rec.ID)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
