package permission

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyCheck_FirstMatchWins(t *testing.T) {
	p, err := NewPolicy([]RuleSpec{
		{Tool: "bash", Pattern: `rm\s+-rf`, Action: ActionDeny},
		{Tool: "bash", Action: ActionAllow},
		{Tool: "*", Action: ActionAsk},
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		tool  string
		input string
		want  Decision
	}{
		{"deny pattern matches", "bash", `{"command":"rm -rf /tmp/x"}`, DecisionDenied},
		{"fallthrough to tool allow", "bash", `{"command":"ls"}`, DecisionAllowed},
		{"wildcard ask", "write_file", `{"path":"a.txt"}`, DecisionAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Check(CheckInput{Tool: tt.tool, Input: json.RawMessage(tt.input)})
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyCheck_Defaults(t *testing.T) {
	p, err := NewPolicy(nil)
	require.NoError(t, err)

	require.Equal(t, DecisionAsk, p.Check(CheckInput{Tool: "bash"}))
	require.Equal(t, DecisionAllowed, p.Check(CheckInput{Tool: "bash", Bypass: true}))
	require.Equal(t, DecisionAllowed, p.Check(CheckInput{Tool: "read_file", ReadOnly: true}))
}

func TestPolicyCheck_DenyOverridesBypass(t *testing.T) {
	p, err := NewPolicy([]RuleSpec{{Tool: "bash", Action: ActionDeny}})
	require.NoError(t, err)

	got := p.Check(CheckInput{Tool: "bash", Bypass: true})
	require.Equal(t, DecisionDenied, got)
}

func TestNewPolicy_InvalidRegex(t *testing.T) {
	_, err := NewPolicy([]RuleSpec{{Tool: "bash", Pattern: `[`, Action: ActionDeny}})
	require.Error(t, err)
}

func TestNewPolicy_InvalidAction(t *testing.T) {
	_, err := NewPolicy([]RuleSpec{{Tool: "bash", Action: "block"}})
	require.Error(t, err)
}

func TestPolicyPersist_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	p, err := LoadPolicy(path)
	require.NoError(t, err)

	require.NoError(t, p.Persist("bash", ""))
	require.Equal(t, DecisionAllowed, p.Check(CheckInput{Tool: "bash"}))

	// A fresh load from the written file sees the same rule.
	p2, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, p2.Check(CheckInput{Tool: "bash"}))
	require.Len(t, p2.Rules(), 1)
}

func TestPolicyReload_KeepsRulesOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, saveRules(path, []RuleSpec{{Tool: "bash", Action: ActionAllow}}))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Equal(t, DecisionAllowed, p.Check(CheckInput{Tool: "bash"}))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	require.Error(t, p.Reload())
	require.Equal(t, DecisionAllowed, p.Check(CheckInput{Tool: "bash"}))
}
