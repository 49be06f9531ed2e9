package agent

import (
	"encoding/json"
	"log/slog"

	"github.com/gentlabs/gent/internal/store"
)

var missingResultValue = json.RawMessage(`{"error":"tool result missing, history was compacted"}`)

// sanitizeHistory repairs tool-call/tool-result pairing before a provider
// call. Compaction can cut a branch between an assistant's tool calls and the
// tool message that answers them; providers reject such histories. Orphaned
// results are dropped, missing results are synthesised as error output.
func sanitizeHistory(msgs []*store.Message, logger *slog.Logger) []*store.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == store.RoleTool {
		logger.Warn("dropping orphaned tool message at history start", "message", msgs[start].ID)
		start++
	}

	var out []*store.Message
	for i := start; i < len(msgs); i++ {
		m := msgs[i]

		expected := toolCallIDs(m)
		if m.Role == store.RoleAssistant && len(expected) > 0 {
			out = append(out, m)

			for i+1 < len(msgs) && msgs[i+1].Role == store.RoleTool {
				i++
				if kept := keepMatchingResults(msgs[i], expected, logger); kept != nil {
					out = append(out, kept)
				}
			}

			if len(expected) > 0 {
				out = append(out, synthesizeResults(m, expected, logger))
			}
			continue
		}

		if m.Role == store.RoleTool {
			logger.Warn("dropping orphaned tool message mid-history", "message", m.ID)
			continue
		}
		out = append(out, m)
	}
	return out
}

// toolCallIDs returns the pending tool-call ids of an assistant message as a
// mutable set, nil when there are none.
func toolCallIDs(m *store.Message) map[string]string {
	var ids map[string]string
	for _, p := range m.Parts {
		if p.Type == store.PartToolCall {
			if ids == nil {
				ids = make(map[string]string)
			}
			ids[p.ToolCallID] = p.ToolName
		}
	}
	return ids
}

// keepMatchingResults filters a tool message down to results the assistant
// actually asked for, consuming matched ids from expected. Returns nil when
// nothing survives.
func keepMatchingResults(m *store.Message, expected map[string]string, logger *slog.Logger) *store.Message {
	var parts []store.Part
	for _, p := range m.Parts {
		if p.Type != store.PartToolResult {
			parts = append(parts, p)
			continue
		}
		if _, ok := expected[p.ToolCallID]; ok {
			parts = append(parts, p)
			delete(expected, p.ToolCallID)
		} else {
			logger.Warn("dropping mismatched tool result", "toolCallId", p.ToolCallID)
		}
	}
	if parts == nil {
		return nil
	}
	if len(parts) == len(m.Parts) {
		return m
	}
	cp := *m
	cp.Parts = parts
	return &cp
}

func synthesizeResults(call *store.Message, missing map[string]string, logger *slog.Logger) *store.Message {
	var parts []store.Part
	// Iterate the assistant's part order so synthesis is deterministic.
	for _, p := range call.Parts {
		if p.Type != store.PartToolCall {
			continue
		}
		if _, ok := missing[p.ToolCallID]; !ok {
			continue
		}
		logger.Warn("synthesizing missing tool result", "toolCallId", p.ToolCallID)
		parts = append(parts, store.ToolResultPart(p.ToolCallID, p.ToolName, store.ToolOutput{
			Type:  store.ToolOutputErrorJSON,
			Value: missingResultValue,
		}))
	}
	return &store.Message{
		SessionID: call.SessionID,
		BranchID:  call.BranchID,
		Role:      store.RoleTool,
		Parts:     parts,
		CreatedAt: call.CreatedAt,
	}
}
