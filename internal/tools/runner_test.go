package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/interact"
	"github.com/gentlabs/gent/internal/permission"
	"github.com/gentlabs/gent/internal/store"
)

func newTestRunner(t *testing.T, specs []permission.RuleSpec, tools ...Tool) (*Runner, *event.Store, *interact.Handlers) {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	policy, err := permission.NewPolicy(specs)
	require.NoError(t, err)
	events := event.NewStore(store.NewMemory())
	handlers := interact.NewHandlers(events)
	runner := NewRunner(registry, policy, handlers, events, slog.Default(), 4)
	return runner, events, handlers
}

func toolOutput(t *testing.T, part store.Part) map[string]any {
	t.Helper()
	require.Equal(t, store.PartToolResult, part.Type)
	require.NotNil(t, part.Output)
	var m map[string]any
	require.NoError(t, json.Unmarshal(part.Output.Value, &m))
	return m
}

func TestRunner_Success(t *testing.T) {
	runner, _, _ := newTestRunner(t,
		[]permission.RuleSpec{{Tool: "echo", Action: permission.ActionAllow}},
		&fakeTool{name: "echo", execute: func(_ context.Context, input json.RawMessage) *Result {
			var args struct {
				Value string `json:"value"`
			}
			json.Unmarshal(input, &args)
			return OK(map[string]any{"echo": args.Value})
		}},
	)

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":"hi"}`)}, Scope{SessionID: "s1", BranchID: "b1"})
	require.Equal(t, store.ToolOutputJSON, part.Output.Type)
	require.Equal(t, "hi", toolOutput(t, part)["echo"])
	require.Equal(t, "t1", part.ToolCallID)
	require.Equal(t, "echo", part.ToolName)
}

func TestRunner_UnknownTool(t *testing.T) {
	runner, _, _ := newTestRunner(t, nil)

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "nope"}, Scope{SessionID: "s1"})
	require.Equal(t, store.ToolOutputErrorJSON, part.Output.Type)
	require.Contains(t, toolOutput(t, part)["error"], "unknown tool")
}

func TestRunner_InvalidInput(t *testing.T) {
	runner, _, _ := newTestRunner(t,
		[]permission.RuleSpec{{Tool: "echo", Action: permission.ActionAllow}},
		&fakeTool{name: "echo"},
	)

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":5}`)}, Scope{})
	require.Equal(t, store.ToolOutputErrorJSON, part.Output.Type)
	require.Contains(t, toolOutput(t, part)["error"], "invalid input")
}

func TestRunner_DeniedByPolicy(t *testing.T) {
	runner, events, _ := newTestRunner(t,
		[]permission.RuleSpec{{Tool: "echo", Action: permission.ActionDeny}},
		&fakeTool{name: "echo"},
	)

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":"x"}`)}, Scope{SessionID: "s1"})
	require.Equal(t, store.ToolOutputErrorJSON, part.Output.Type)
	require.Contains(t, toolOutput(t, part)["error"], "denied by policy")

	// A call stopped at the permission gate never started: the first event in
	// the log is the completed event carrying the error.
	sub, err := events.Subscribe(context.Background(), store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer sub.Close()
	env := <-sub.Events()
	require.Equal(t, event.TypeToolCallCompleted, env.Event.Type)
	var payload event.ToolCallCompletedPayload
	require.NoError(t, json.Unmarshal(env.Event.Payload, &payload))
	require.True(t, payload.IsError)
}

func TestRunner_StartedWaitsForApproval(t *testing.T) {
	runner, events, handlers := newTestRunner(t, nil, &fakeTool{name: "echo"})

	go func() {
		sub, err := events.Subscribe(context.Background(), store.EventFilter{SessionID: "s1"})
		if err != nil {
			return
		}
		defer sub.Close()
		for env := range sub.Events() {
			if env.Event.Type != event.TypePermissionRequested {
				continue
			}
			var p event.PermissionRequestedPayload
			json.Unmarshal(env.Event.Payload, &p)
			handlers.RespondPermission(p.RequestID, interact.PermissionDecision{Allow: true})
			return
		}
	}()

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":"x"}`)}, Scope{SessionID: "s1"})
	require.Equal(t, store.ToolOutputJSON, part.Output.Type)

	// The started event lands only after the permission exchange resolves.
	sub, err := events.Subscribe(context.Background(), store.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer sub.Close()
	var types []event.Type
	for len(types) < 4 {
		env := <-sub.Events()
		types = append(types, env.Event.Type)
	}
	require.Equal(t, []event.Type{
		event.TypePermissionRequested,
		event.TypePermissionResolved,
		event.TypeToolCallStarted,
		event.TypeToolCallCompleted,
	}, types)
}

func TestRunner_AskApproved(t *testing.T) {
	runner, events, handlers := newTestRunner(t, nil, &fakeTool{name: "echo"})

	// Default for a non-read tool with no rules is ask; approve it from a
	// second goroutine watching the event log.
	go func() {
		sub, err := events.Subscribe(context.Background(), store.EventFilter{SessionID: "s1"})
		if err != nil {
			return
		}
		defer sub.Close()
		for env := range sub.Events() {
			if env.Event.Type != event.TypePermissionRequested {
				continue
			}
			var p event.PermissionRequestedPayload
			json.Unmarshal(env.Event.Payload, &p)
			handlers.RespondPermission(p.RequestID, interact.PermissionDecision{Allow: true})
			return
		}
	}()

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":"x"}`)}, Scope{SessionID: "s1"})
	require.Equal(t, store.ToolOutputJSON, part.Output.Type)
}

func TestRunner_AskDenied(t *testing.T) {
	runner, events, handlers := newTestRunner(t, nil, &fakeTool{name: "echo"})

	go func() {
		sub, err := events.Subscribe(context.Background(), store.EventFilter{SessionID: "s1"})
		if err != nil {
			return
		}
		defer sub.Close()
		for env := range sub.Events() {
			if env.Event.Type != event.TypePermissionRequested {
				continue
			}
			var p event.PermissionRequestedPayload
			json.Unmarshal(env.Event.Payload, &p)
			handlers.RespondPermission(p.RequestID, interact.PermissionDecision{Allow: false})
			return
		}
	}()

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":"x"}`)}, Scope{SessionID: "s1"})
	require.Equal(t, store.ToolOutputErrorJSON, part.Output.Type)
	require.Contains(t, toolOutput(t, part)["error"], "permission denied")
}

func TestRunner_BypassSkipsAsk(t *testing.T) {
	runner, _, _ := newTestRunner(t, nil, &fakeTool{name: "echo"})

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":"x"}`)}, Scope{SessionID: "s1", Bypass: true})
	require.Equal(t, store.ToolOutputJSON, part.Output.Type)
}

func TestRunner_AllowlistBlocksTool(t *testing.T) {
	runner, _, _ := newTestRunner(t,
		[]permission.RuleSpec{{Tool: "*", Action: permission.ActionAllow}},
		&fakeTool{name: "echo"},
	)

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "echo", Input: json.RawMessage(`{"value":"x"}`)}, Scope{Allowed: []string{"other"}})
	require.Equal(t, store.ToolOutputErrorJSON, part.Output.Type)
	require.Contains(t, toolOutput(t, part)["error"], "unknown tool")
}

func TestRunner_PanicBecomesErrorResult(t *testing.T) {
	runner, _, _ := newTestRunner(t,
		[]permission.RuleSpec{{Tool: "boom", Action: permission.ActionAllow}},
		&fakeTool{name: "boom", execute: func(context.Context, json.RawMessage) *Result {
			panic("kaboom")
		}},
	)

	part := runner.Run(context.Background(), Call{ID: "t1", Name: "boom", Input: json.RawMessage(`{"value":"x"}`)}, Scope{})
	require.Equal(t, store.ToolOutputErrorJSON, part.Output.Type)
	require.Contains(t, toolOutput(t, part)["error"], "panicked")
}

func TestRunner_SerialToolsDoNotOverlap(t *testing.T) {
	var running int32
	var overlapped atomic.Bool

	serial := &fakeTool{name: "serial", serial: true, execute: func(context.Context, json.RawMessage) *Result {
		if atomic.AddInt32(&running, 1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return Text("done")
	}}

	runner, _, _ := newTestRunner(t,
		[]permission.RuleSpec{{Tool: "*", Action: permission.ActionAllow}},
		serial,
	)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(context.Background(), Call{ID: "t", Name: "serial", Input: json.RawMessage(`{"value":"x"}`)}, Scope{})
		}()
	}
	wg.Wait()
	require.False(t, overlapped.Load(), "serial tool executions overlapped")
}
