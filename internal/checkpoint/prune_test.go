package checkpoint

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/store"
)

func toolResultMessage(id string, tokens int) *store.Message {
	value, _ := json.Marshal(map[string]string{"out": strings.Repeat("x", tokens*4-12)})
	return &store.Message{
		ID:   id,
		Role: store.RoleTool,
		Parts: []store.Part{store.ToolResultPart("t-"+id, "bash", store.ToolOutput{
			Type:  store.ToolOutputJSON,
			Value: value,
		})},
	}
}

func TestPrune_BelowMinimumUntouched(t *testing.T) {
	// 50k of tool output: excess over the 40k window is 10k, under the 20k
	// floor, so nothing is pruned.
	msgs := []*store.Message{
		toolResultMessage("a", 25_000),
		toolResultMessage("b", 25_000),
	}
	out := PruneToolOutputs(msgs)
	require.Equal(t, msgs, out)
	require.Same(t, msgs[0], out[0])
}

func TestPrune_OldResultsReplaced(t *testing.T) {
	msgs := []*store.Message{
		toolResultMessage("old", 40_000),
		toolResultMessage("mid", 20_000),
		toolResultMessage("new", 20_000),
	}
	out := PruneToolOutputs(msgs)

	// Newest 40k survive: "new" and "mid" exactly fill the window.
	require.JSONEq(t, string(msgs[2].Parts[0].Output.Value), string(out[2].Parts[0].Output.Value))
	require.JSONEq(t, string(msgs[1].Parts[0].Output.Value), string(out[1].Parts[0].Output.Value))
	require.JSONEq(t, `{"_pruned":true}`, string(out[0].Parts[0].Output.Value))
	require.Equal(t, store.ToolOutputJSON, out[0].Parts[0].Output.Type)

	// Originals untouched.
	require.NotContains(t, string(msgs[0].Parts[0].Output.Value), "_pruned")
}

func TestPrune_NonToolPartsUntouched(t *testing.T) {
	text := &store.Message{ID: "t", Role: store.RoleAssistant, Parts: []store.Part{store.TextPart(strings.Repeat("x", 400_000))}}
	msgs := []*store.Message{
		toolResultMessage("old", 40_000),
		text,
		toolResultMessage("new", 30_000),
	}
	out := PruneToolOutputs(msgs)

	require.Same(t, text, out[1])
	require.JSONEq(t, `{"_pruned":true}`, string(out[0].Parts[0].Output.Value))
	require.JSONEq(t, string(msgs[2].Parts[0].Output.Value), string(out[2].Parts[0].Output.Value))
}
