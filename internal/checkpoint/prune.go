package checkpoint

import (
	"encoding/json"

	"github.com/gentlabs/gent/internal/store"
)

const (
	// pruneProtect is how many tokens of recent tool-result output stay
	// verbatim when pruning.
	pruneProtect = 40_000

	// pruneMinimum is the smallest excess worth pruning; below it the
	// history is sent untouched.
	pruneMinimum = 20_000
)

var prunedOutput = json.RawMessage(`{"_pruned":true}`)

// PruneToolOutputs is the softer per-turn measure applied before send: the
// newest pruneProtect tokens of tool-result parts stay verbatim, older ones
// are replaced with a pruned marker. Applied only when the excess over the
// protected window exceeds pruneMinimum. The input slice and its messages are
// never mutated.
func PruneToolOutputs(messages []*store.Message) []*store.Message {
	total := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Type == store.PartToolResult {
				total += partTokens(p)
			}
		}
	}
	if total-pruneProtect < pruneMinimum {
		return messages
	}

	out := make([]*store.Message, len(messages))
	copy(out, messages)

	budget := pruneProtect
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		var parts []store.Part
		for j := len(m.Parts) - 1; j >= 0; j-- {
			p := m.Parts[j]
			if p.Type != store.PartToolResult || p.Output == nil {
				continue
			}
			if t := partTokens(p); budget >= t {
				budget -= t
				continue
			}
			budget = 0
			if parts == nil {
				parts = append([]store.Part(nil), m.Parts...)
			}
			parts[j].Output = &store.ToolOutput{Type: p.Output.Type, Value: prunedOutput}
		}
		if parts != nil {
			cp := *m
			cp.Parts = parts
			out[i] = &cp
		}
	}
	return out
}
