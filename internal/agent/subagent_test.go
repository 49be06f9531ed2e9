package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/provider"
	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/internal/tools"
)

func TestSubagent_Success(t *testing.T) {
	h := newHarness(t, nil, true)
	h.prov.steps = []scriptStep{{chunks: []provider.Chunk{textChunk("files: a.md"), finishChunk("stop")}}}

	runner := NewSubagentRunner(h.deps, SubagentOptions{})
	res, err := runner.Spawn(context.Background(), tools.SpawnRequest{
		ParentSessionID: "s1",
		ParentBranchID:  "b1",
		ParentAgent:     "cowork",
		Agent:           "explore",
		Prompt:          "list .md files",
	})
	require.NoError(t, err)
	require.Equal(t, "files: a.md", res.Output)

	child, err := h.storage.GetSession(context.Background(), res.ChildSessionID)
	require.NoError(t, err)
	require.Equal(t, "subagent: explore", child.Name)

	types := h.visibleEventTypes(t)
	require.Contains(t, types, "subagent.spawned")
	require.Contains(t, types, "subagent.completed")

	// The child ran its turn in its own session.
	childEvents, err := h.storage.ListEvents(context.Background(), store.EventFilter{SessionID: child.ID})
	require.NoError(t, err)
	require.NotEmpty(t, childEvents)
}

func TestSubagent_DelegationDenied(t *testing.T) {
	h := newHarness(t, nil, true)

	runner := NewSubagentRunner(h.deps, SubagentOptions{})
	_, err := runner.Spawn(context.Background(), tools.SpawnRequest{
		ParentSessionID: "s1",
		ParentBranchID:  "b1",
		ParentAgent:     "explore",
		Agent:           "deep",
		Prompt:          "do the thing",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "may not delegate")
}

func TestSubagent_Timeout(t *testing.T) {
	h := newHarness(t, nil, true)
	h.prov.steps = []scriptStep{{hang: true}}

	runner := NewSubagentRunner(h.deps, SubagentOptions{Timeout: 50 * time.Millisecond})
	_, err := runner.Spawn(context.Background(), tools.SpawnRequest{
		ParentSessionID: "s1",
		ParentBranchID:  "b1",
		ParentAgent:     "cowork",
		Agent:           "explore",
		Prompt:          "never finishes",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestRetryTransient(t *testing.T) {
	cfg := backoffConfig{maxAttempts: 5, initialDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

	calls := 0
	err := retryTransient(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return &provider.Transient{Err: errors.New("overloaded")}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("bad request")
	err = retryTransient(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)

	calls = 0
	err = retryTransient(context.Background(), cfg, func() error {
		calls++
		return &provider.Transient{Err: errors.New("overloaded")}
	})
	require.Error(t, err)
	require.Equal(t, 5, calls)
}
