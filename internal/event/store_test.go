package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/store"
)

func publishN(t *testing.T, s *Store, sessionID, branchID string, n int) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		env, err := s.Publish(context.Background(), New(TypeStreamChunk, sessionID, branchID, StreamChunkPayload{Text: "x"}))
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func collect(t *testing.T, sub *Subscription, n int) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case env, ok := <-sub.Events():
			require.True(t, ok, "stream closed early: %v", sub.Err())
			out = append(out, env)
		case <-deadline:
			t.Fatalf("timed out after %d of %d envelopes", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsOrderedIDs(t *testing.T) {
	s := NewStore(store.NewMemory())
	envs := publishN(t, s, "s1", "b1", 5)
	for i := 1; i < len(envs); i++ {
		require.Greater(t, envs[i].ID, envs[i-1].ID)
	}
}

func TestSubscribeReplayThenLive(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()

	publishN(t, s, "s1", "b1", 3)

	sub, err := s.Subscribe(ctx, store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer sub.Close()

	replayed := collect(t, sub, 3)
	require.Equal(t, uint64(1), replayed[0].ID)
	require.Equal(t, uint64(3), replayed[2].ID)

	live := publishN(t, s, "s1", "b1", 2)
	got := collect(t, sub, 2)
	require.Equal(t, live[0].ID, got[0].ID)
	require.Equal(t, live[1].ID, got[1].ID)
}

func TestSubscribeAfterIDSkipsHistory(t *testing.T) {
	s := NewStore(store.NewMemory())
	envs := publishN(t, s, "s1", "b1", 4)

	sub, err := s.Subscribe(context.Background(), store.EventFilter{SessionID: "s1", AfterID: envs[1].ID})
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 2)
	require.Equal(t, envs[2].ID, got[0].ID)
	require.Equal(t, envs[3].ID, got[1].ID)
}

func TestSubscribeBranchFilterKeepsSessionEvents(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, store.EventFilter{SessionID: "s1", BranchID: "b1"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.Publish(ctx, New(TypeSessionStarted, "s1", "", nil))
	require.NoError(t, err)
	publishN(t, s, "s1", "b1", 1)
	publishN(t, s, "s1", "b2", 1) // filtered out
	publishN(t, s, "s1", "b1", 1)

	got := collect(t, sub, 3)
	require.Equal(t, TypeSessionStarted, got[0].Event.Type)
	require.Equal(t, "b1", got[1].Event.BranchID)
	require.Equal(t, "b1", got[2].Event.BranchID)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	s := NewStore(store.NewMemory())
	sub, err := s.Subscribe(context.Background(), store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)

	// Never read: both internal buffers fill and the publisher drops us.
	publishN(t, s, "s1", "b1", 3*DefaultSubscriberBuffer)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				require.ErrorIs(t, sub.Err(), ErrSlowConsumer)
				return
			}
		case <-deadline:
			t.Fatal("subscription was not dropped")
		}
	}
}

func TestTapSeesEveryPublish(t *testing.T) {
	s := NewStore(store.NewMemory())
	var seen []uint64
	s.Tap(func(env Envelope) { seen = append(seen, env.ID) })

	envs := publishN(t, s, "s1", "b1", 3)
	publishN(t, s, "s2", "", 1)

	require.Len(t, seen, 4)
	require.Equal(t, envs[0].ID, seen[0])
}

func TestCloseEndsStreamWithoutError(t *testing.T) {
	s := NewStore(store.NewMemory())
	sub, err := s.Subscribe(context.Background(), store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)

	sub.Close()
	for range sub.Events() {
	}
	require.NoError(t, sub.Err())
}
