package agent

import (
	"fmt"
	"sync"
)

// Mode gates what an agent may do in a turn. Plan mode restricts the tool set
// to read-only inspection plus the plan/question tools; build mode is
// unrestricted.
type Mode string

const (
	ModeBuild Mode = "build"
	ModePlan  Mode = "plan"
)

// readOnlyTools is the inspection set plan mode collapses to.
var readOnlyTools = []string{"read_file", "list_dir", "grep", "glob", "web_fetch"}

// planTools are the interaction tools plan mode carries on top of the
// read-only set.
var planTools = []string{"present_plan", "ask_questions"}

// Definition is a named agent role: a system-prompt addendum, an allowed-tool
// set, an optional delegation whitelist, and a preferred model.
type Definition struct {
	Name         string
	Description  string
	SystemPrompt string

	// Model in "provider/model" form; empty uses the configured default.
	// PlanModel, when set, replaces Model while the session is in plan mode.
	Model     string
	PlanModel string

	// Tools is the allowlist sent to the model. Nil allows every registered
	// tool.
	Tools []string

	// CanDelegateTo names the agents this agent may spawn via the task tool.
	// Empty means no delegation.
	CanDelegateTo []string
}

// Registry holds the known agent roles. Read-mostly, process-wide.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Definition
	def    string
}

// NewRegistry creates a registry seeded with the builtin roles.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]*Definition), def: "cowork"}
	for _, d := range builtinAgents() {
		r.agents[d.Name] = d
	}
	return r
}

// Register adds or replaces a role.
func (r *Registry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[d.Name] = d
}

// Get resolves a role by name; empty resolves the default.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	d, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
	cp := *d
	return &cp, nil
}

// Names lists the registered roles.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}

// CanDelegate reports whether from may spawn to.
func (r *Registry) CanDelegate(from, to string) bool {
	d, err := r.Get(from)
	if err != nil {
		return false
	}
	for _, name := range d.CanDelegateTo {
		if name == to {
			return true
		}
	}
	return false
}

// EffectiveTools returns the allowlist for a role under the given mode. Plan
// mode intersects the role's tools with the read-only set and always adds the
// plan/question tools; a nil role allowlist in plan mode yields the read-only
// set plus the plan tools.
func EffectiveTools(d *Definition, mode Mode) []string {
	if mode != ModePlan {
		return d.Tools
	}
	var out []string
	if d.Tools == nil {
		out = append(out, readOnlyTools...)
	} else {
		allowed := make(map[string]bool, len(readOnlyTools))
		for _, name := range readOnlyTools {
			allowed[name] = true
		}
		for _, name := range d.Tools {
			if allowed[name] {
				out = append(out, name)
			}
		}
	}
	return append(out, planTools...)
}

// EffectiveModel returns the model id for a role under the given mode.
func EffectiveModel(d *Definition, mode Mode) string {
	if mode == ModePlan && d.PlanModel != "" {
		return d.PlanModel
	}
	return d.Model
}

func builtinAgents() []*Definition {
	return []*Definition{
		{
			Name:        "cowork",
			Description: "General-purpose pairing agent with the full tool set.",
			SystemPrompt: "You are a careful pair programmer. Prefer small verifiable steps; " +
				"read before you write; explain destructive actions before running them.",
			CanDelegateTo: []string{"explore", "deep"},
		},
		{
			Name:        "deep",
			Description: "Long-horizon implementation agent for multi-file changes.",
			SystemPrompt: "You take on large, multi-step coding tasks. Keep a running plan, " +
				"verify each step before moving on, and report what remains.",
			CanDelegateTo: []string{"explore"},
		},
		{
			Name:        "explore",
			Description: "Read-only repository scout.",
			SystemPrompt: "You explore a repository and report findings. You never modify " +
				"anything; cite file paths for every claim.",
			Tools: append([]string(nil), readOnlyTools...),
		},
		{
			Name:        "architect",
			Description: "Design and planning agent; produces plans, not diffs.",
			SystemPrompt: "You design implementation plans. Investigate with read-only tools, " +
				"ask when requirements are unclear, then present the plan for confirmation.",
			Tools: append(append([]string(nil), readOnlyTools...), planTools...),
		},
	}
}
