package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// Persisted parts must re-encode to the same bytes after a decode, so history
// replays and token estimates stay stable across restarts.
func TestPartEncodingIsStable(t *testing.T) {
	parts := []Part{
		TextPart("hello"),
		ReasoningPart("mull it over"),
		{Type: PartImage, Image: "aGk=", MediaType: "image/png"},
		ToolCallPart("t1", "bash", json.RawMessage(`{"command":"ls -la"}`)),
		ToolResultPart("t1", "bash", ToolOutput{Type: ToolOutputJSON, Value: json.RawMessage(`{"stdout":"a\n"}`)}),
		ToolResultPart("t2", "bash", ToolOutput{Type: ToolOutputErrorJSON, Value: json.RawMessage(`{"error":"exit 1"}`)}),
	}

	first, err := json.Marshal(parts)
	require.NoError(t, err)

	var decoded []Part
	require.NoError(t, json.Unmarshal(first, &decoded))

	second, err := json.Marshal(decoded)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
	require.Equal(t, parts, decoded)
}

func TestPartZeroFieldsStayOmitted(t *testing.T) {
	raw, err := json.Marshal(TextPart("x"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"text","text":"x"}`, string(raw))

	raw, err = json.Marshal(ToolCallPart("t1", "glob", json.RawMessage(`{}`)))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"tool-call","toolCallId":"t1","toolName":"glob","input":{}}`, string(raw))
}
