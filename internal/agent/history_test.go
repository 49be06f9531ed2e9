package agent

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gentlabs/gent/internal/store"
)

func userMsg(id, text string) *store.Message {
	return &store.Message{ID: id, Role: store.RoleUser, Parts: []store.Part{store.TextPart(text)}}
}

func assistantWithCall(id, callID string) *store.Message {
	return &store.Message{ID: id, Role: store.RoleAssistant, Parts: []store.Part{
		store.ToolCallPart(callID, "read_file", json.RawMessage(`{"path":"a"}`)),
	}}
}

func toolMsg(id, callID string) *store.Message {
	return &store.Message{ID: id, Role: store.RoleTool, Parts: []store.Part{
		store.ToolResultPart(callID, "read_file", store.ToolOutput{Type: store.ToolOutputJSON, Value: json.RawMessage(`{}`)}),
	}}
}

func TestSanitizeHistory_WellFormedUntouched(t *testing.T) {
	msgs := []*store.Message{
		userMsg("u1", "hi"),
		assistantWithCall("a1", "t1"),
		toolMsg("r1", "t1"),
		userMsg("u2", "thanks"),
	}
	out := sanitizeHistory(msgs, slog.Default())
	require.Equal(t, msgs, out)
}

func TestSanitizeHistory_DropsLeadingOrphans(t *testing.T) {
	msgs := []*store.Message{
		toolMsg("r0", "t0"),
		userMsg("u1", "hi"),
	}
	out := sanitizeHistory(msgs, slog.Default())
	require.Len(t, out, 1)
	require.Equal(t, "u1", out[0].ID)
}

func TestSanitizeHistory_SynthesizesMissingResults(t *testing.T) {
	msgs := []*store.Message{
		userMsg("u1", "hi"),
		assistantWithCall("a1", "t1"),
		userMsg("u2", "continue"),
	}
	out := sanitizeHistory(msgs, slog.Default())
	require.Len(t, out, 4)
	require.Equal(t, store.RoleTool, out[2].Role)
	require.Equal(t, "t1", out[2].Parts[0].ToolCallID)
	require.Equal(t, store.ToolOutputErrorJSON, out[2].Parts[0].Output.Type)
}

func TestSanitizeHistory_DropsMismatchedResults(t *testing.T) {
	msgs := []*store.Message{
		assistantWithCall("a1", "t1"),
		toolMsg("r1", "t9"), // wrong id
	}
	out := sanitizeHistory(msgs, slog.Default())
	require.Len(t, out, 2)
	// The mismatched result is gone; the missing one is synthesized.
	require.Equal(t, "t1", out[1].Parts[0].ToolCallID)
	require.Equal(t, store.ToolOutputErrorJSON, out[1].Parts[0].Output.Type)
}

func TestSanitizeHistory_DropsMidHistoryOrphan(t *testing.T) {
	msgs := []*store.Message{
		userMsg("u1", "hi"),
		toolMsg("r1", "t1"),
		userMsg("u2", "bye"),
	}
	out := sanitizeHistory(msgs, slog.Default())
	require.Len(t, out, 2)
	require.Equal(t, "u1", out[0].ID)
	require.Equal(t, "u2", out[1].ID)
}
