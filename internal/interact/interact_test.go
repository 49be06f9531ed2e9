package interact

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/store"
)

func newTestHandlers(t *testing.T) (*Handlers, *event.Store) {
	t.Helper()
	events := event.NewStore(store.NewMemory())
	return NewHandlers(events), events
}

// requestID extracts the request id from the first event of the given type.
func requestID(t *testing.T, ctx context.Context, events *event.Store, sessionID string, want event.Type) string {
	t.Helper()
	sub, err := events.Subscribe(ctx, store.EventFilter{SessionID: sessionID})
	require.NoError(t, err)
	defer sub.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-sub.Events():
			if env.Event.Type != want {
				continue
			}
			var payload struct {
				RequestID string `json:"requestId"`
			}
			require.NoError(t, json.Unmarshal(env.Event.Payload, &payload))
			return payload.RequestID
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	h, events := newTestHandlers(t)
	ctx := context.Background()

	type result struct {
		d   PermissionDecision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := h.RequestPermission(ctx, "s1", "b1", "t1", "bash", json.RawMessage(`{"command":"ls"}`))
		done <- result{d, err}
	}()

	id := requestID(t, ctx, events, "s1", event.TypePermissionRequested)
	require.True(t, h.RespondPermission(id, PermissionDecision{Allow: true, Persist: true}))

	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.d.Allow)
	require.True(t, res.d.Persist)

	// Resolution is recorded in the log.
	recs, err := events.Subscribe(ctx, store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer recs.Close()
	var seen []event.Type
	for len(seen) < 2 {
		env := <-recs.Events()
		seen = append(seen, env.Event.Type)
	}
	require.Equal(t, []event.Type{event.TypePermissionRequested, event.TypePermissionResolved}, seen)
}

func TestRespondPermission_Idempotent(t *testing.T) {
	h, events := newTestHandlers(t)
	ctx := context.Background()

	go h.RequestPermission(ctx, "s1", "b1", "t1", "bash", nil)
	id := requestID(t, ctx, events, "s1", event.TypePermissionRequested)

	require.True(t, h.RespondPermission(id, PermissionDecision{Allow: false}))
	require.False(t, h.RespondPermission(id, PermissionDecision{Allow: true}))
	require.False(t, h.RespondPermission("no-such-request", PermissionDecision{}))
}

func TestRequestPermission_Cancelled(t *testing.T) {
	h, events := newTestHandlers(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.RequestPermission(ctx, "s1", "b1", "t1", "bash", nil)
		done <- err
	}()
	id := requestID(t, context.Background(), events, "s1", event.TypePermissionRequested)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Late response after cancellation is a no-op.
	require.False(t, h.RespondPermission(id, PermissionDecision{Allow: true}))
}

func TestPlanRoundTrip(t *testing.T) {
	h, events := newTestHandlers(t)
	ctx := context.Background()

	done := make(chan PlanDecision, 1)
	go func() {
		d, err := h.PresentPlan(ctx, "s1", "b1", "/tmp/plan.md")
		require.NoError(t, err)
		done <- d
	}()

	id := requestID(t, ctx, events, "s1", event.TypePlanPresented)
	require.True(t, h.RespondPlan(id, PlanDecision{Confirmed: false, Reason: "too broad"}))

	d := <-done
	require.False(t, d.Confirmed)
	require.Equal(t, "too broad", d.Reason)
}

func TestQuestionsRoundTrip(t *testing.T) {
	h, events := newTestHandlers(t)
	ctx := context.Background()

	done := make(chan Answers, 1)
	go func() {
		a, err := h.AskQuestions(ctx, "s1", "b1", []event.Question{
			{Prompt: "Which database?", Options: []string{"sqlite", "postgres"}},
		})
		require.NoError(t, err)
		done <- a
	}()

	id := requestID(t, ctx, events, "s1", event.TypeQuestionsAsked)
	require.True(t, h.RespondQuestions(id, Answers{{"postgres"}}))
	require.Equal(t, Answers{{"postgres"}}, <-done)
}
