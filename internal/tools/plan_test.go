package tools

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/interact"
	"github.com/gentlabs/gent/internal/store"
)

type fakePlanRecorder struct {
	branchID string
	path     string
	calls    int
}

func (f *fakePlanRecorder) CreatePlanCheckpoint(_ context.Context, branchID, planPath string) (*store.Checkpoint, error) {
	f.calls++
	f.branchID, f.path = branchID, planPath
	return &store.Checkpoint{ID: "cp1", Kind: store.CheckpointPlan, BranchID: branchID, PlanPath: planPath}, nil
}

// interactionRequestID waits for the first event of the given type and pulls
// its request id.
func interactionRequestID(t *testing.T, events *event.Store, sessionID string, want event.Type) string {
	t.Helper()
	sub, err := events.Subscribe(context.Background(), store.EventFilter{SessionID: sessionID})
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

func interactionCtx() context.Context {
	return WithBranchID(WithSessionID(context.Background(), "s1"), "b1")
}

func TestPresentPlan_ConfirmedRecordsCheckpoint(t *testing.T) {
	events := event.NewStore(store.NewMemory())
	handlers := interact.NewHandlers(events)
	recorder := &fakePlanRecorder{}
	tool := NewPresentPlanTool(handlers, recorder, t.TempDir())

	done := make(chan *Result, 1)
	go func() {
		done <- tool.Execute(interactionCtx(), json.RawMessage(`{"plan":"1. add the endpoint\n2. cover it"}`))
	}()

	id := interactionRequestID(t, events, "s1", event.TypePlanPresented)
	require.True(t, handlers.RespondPlan(id, interact.PlanDecision{Confirmed: true}))

	res := <-done
	require.False(t, res.IsError)
	out := res.Value.(map[string]any)
	require.Equal(t, true, out["confirmed"])

	require.Equal(t, 1, recorder.calls)
	require.Equal(t, "b1", recorder.branchID)
	require.Equal(t, out["path"], recorder.path)

	data, err := os.ReadFile(recorder.path)
	require.NoError(t, err)
	require.Equal(t, "1. add the endpoint\n2. cover it", string(data))
}

func TestPresentPlan_RejectedCarriesReason(t *testing.T) {
	events := event.NewStore(store.NewMemory())
	handlers := interact.NewHandlers(events)
	recorder := &fakePlanRecorder{}
	tool := NewPresentPlanTool(handlers, recorder, t.TempDir())

	done := make(chan *Result, 1)
	go func() {
		done <- tool.Execute(interactionCtx(), json.RawMessage(`{"plan":"rewrite everything"}`))
	}()

	id := interactionRequestID(t, events, "s1", event.TypePlanPresented)
	require.True(t, handlers.RespondPlan(id, interact.PlanDecision{Confirmed: false, Reason: "too broad"}))

	res := <-done
	require.False(t, res.IsError)
	out := res.Value.(map[string]any)
	require.Equal(t, false, out["confirmed"])
	require.Equal(t, "too broad", out["reason"])
	require.Zero(t, recorder.calls)
}

func TestPresentPlan_EmptyPlanIsError(t *testing.T) {
	events := event.NewStore(store.NewMemory())
	tool := NewPresentPlanTool(interact.NewHandlers(events), &fakePlanRecorder{}, t.TempDir())

	res := tool.Execute(interactionCtx(), json.RawMessage(`{"plan":"  \n"}`))
	require.True(t, res.IsError)
}

func TestAskQuestions_RoundTrip(t *testing.T) {
	events := event.NewStore(store.NewMemory())
	handlers := interact.NewHandlers(events)
	tool := NewAskQuestionsTool(handlers)

	done := make(chan *Result, 1)
	go func() {
		done <- tool.Execute(interactionCtx(), json.RawMessage(
			`{"questions":[{"prompt":"Which backend?","options":["sqlite","postgres"]}]}`))
	}()

	id := interactionRequestID(t, events, "s1", event.TypeQuestionsAsked)
	require.True(t, handlers.RespondQuestions(id, interact.Answers{{"postgres"}}))

	res := <-done
	require.False(t, res.IsError)
	out := res.Value.(map[string]any)
	require.Equal(t, interact.Answers{{"postgres"}}, out["answers"])
}

func TestAskQuestions_CancelledIsError(t *testing.T) {
	events := event.NewStore(store.NewMemory())
	tool := NewAskQuestionsTool(interact.NewHandlers(events))

	ctx, cancel := context.WithCancel(interactionCtx())
	done := make(chan *Result, 1)
	go func() {
		done <- tool.Execute(ctx, json.RawMessage(`{"questions":[{"prompt":"still there?"}]}`))
	}()

	interactionRequestID(t, events, "s1", event.TypeQuestionsAsked)
	cancel()

	res := <-done
	require.True(t, res.IsError)
}
