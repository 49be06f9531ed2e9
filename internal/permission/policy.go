// Package permission implements the rule-based gate evaluated before every
// tool execution. Rules are scanned in order, first match wins; the default
// depends on the session's bypass flag and whether the tool is read-only.
package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/titanous/json5"
)

// Action is a rule outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Decision is the result of a policy check.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
	DecisionAsk     Decision = "ask"
)

// RuleSpec is the file form of a rule. Tool "*" matches every tool; Pattern,
// when set, is a regex matched against the stringified tool input.
type RuleSpec struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Action  Action `json:"action"`
}

type rule struct {
	spec RuleSpec
	re   *regexp.Regexp // nil when no pattern
}

// Policy evaluates permission rules. Reads dominate; persisted approvals and
// file reloads go through the write lock.
type Policy struct {
	mu    sync.RWMutex
	rules []rule
	path  string // rules file, empty when rules are in-memory only
}

// NewPolicy compiles specs into a policy. Invalid regexes fail construction.
func NewPolicy(specs []RuleSpec) (*Policy, error) {
	p := &Policy{}
	if err := p.setRules(specs); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPolicy reads a rules file (JSON5). A missing file yields an empty
// policy bound to path, so later approvals can persist there.
func LoadPolicy(path string) (*Policy, error) {
	p := &Policy{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read permission rules: %w", err)
	}
	var specs []RuleSpec
	if err := json5.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse permission rules: %w", err)
	}
	if err := p.setRules(specs); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) setRules(specs []RuleSpec) error {
	compiled := make([]rule, 0, len(specs))
	for _, spec := range specs {
		switch spec.Action {
		case ActionAllow, ActionDeny, ActionAsk:
		default:
			return fmt.Errorf("permission rule for %q: unknown action %q", spec.Tool, spec.Action)
		}
		r := rule{spec: spec}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return fmt.Errorf("permission rule for %q: %w", spec.Tool, err)
			}
			r.re = re
		}
		compiled = append(compiled, r)
	}
	p.mu.Lock()
	p.rules = compiled
	p.mu.Unlock()
	return nil
}

// CheckInput captures everything the check needs about one tool call.
type CheckInput struct {
	Tool     string
	Input    json.RawMessage
	Bypass   bool // session default flips to allow
	ReadOnly bool // read-only tools never require approval by default
}

// Check resolves a tool call against the rules. First matching rule decides;
// with no match the default is allow for bypass sessions and read-only tools,
// ask otherwise. Explicit deny rules apply even under bypass.
func (p *Policy) Check(in CheckInput) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	input := string(in.Input)
	for _, r := range p.rules {
		if r.spec.Tool != "*" && r.spec.Tool != in.Tool {
			continue
		}
		if r.re != nil && !r.re.MatchString(input) {
			continue
		}
		switch r.spec.Action {
		case ActionAllow:
			return DecisionAllowed
		case ActionDeny:
			return DecisionDenied
		default:
			return DecisionAsk
		}
	}

	if in.Bypass || in.ReadOnly {
		return DecisionAllowed
	}
	return DecisionAsk
}

// Rules returns a snapshot of the current rule specs.
func (p *Policy) Rules() []RuleSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RuleSpec, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.spec
	}
	return out
}

// Persist appends an allow rule from an interactive approval and writes the
// rules file back when the policy is file-bound. An empty pattern allow-lists
// the whole tool.
func (p *Policy) Persist(tool, pattern string) error {
	spec := RuleSpec{Tool: tool, Pattern: pattern, Action: ActionAllow}
	r := rule{spec: spec}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("persist permission rule: %w", err)
		}
		r.re = re
	}

	p.mu.Lock()
	p.rules = append(p.rules, r)
	specs := make([]RuleSpec, len(p.rules))
	for i, cr := range p.rules {
		specs[i] = cr.spec
	}
	path := p.path
	p.mu.Unlock()

	if path == "" {
		return nil
	}
	return saveRules(path, specs)
}

// Reload re-reads the rules file, replacing the rule list atomically. A parse
// or compile failure leaves the current rules in place.
func (p *Policy) Reload() error {
	p.mu.RLock()
	path := p.path
	p.mu.RUnlock()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read permission rules: %w", err)
	}
	var specs []RuleSpec
	if err := json5.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parse permission rules: %w", err)
	}
	return p.setRules(specs)
}

func saveRules(path string, specs []RuleSpec) error {
	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
