package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/internal/tools"
)

const (
	// DefaultSubagentTimeout bounds one delegated task wall-clock.
	DefaultSubagentTimeout = 5 * time.Minute

	// DefaultSubagentAttempts bounds retries of a failed inner cycle.
	DefaultSubagentAttempts = 3
)

// SubagentRunner spawns bounded inner conversations for the task tool. Each
// spawn gets a fresh child session and branch, a restricted tool allowlist
// from the target agent's definition, and no user interaction.
type SubagentRunner struct {
	deps        Deps
	timeout     time.Duration
	maxAttempts int
}

// SubagentOptions tunes the runner; zero values use the defaults.
type SubagentOptions struct {
	Timeout     time.Duration
	MaxAttempts int
}

// NewSubagentRunner creates a runner sharing the actor's dependencies.
func NewSubagentRunner(deps Deps, opts SubagentOptions) *SubagentRunner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSubagentTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultSubagentAttempts
	}
	return &SubagentRunner{deps: deps, timeout: opts.Timeout, maxAttempts: opts.MaxAttempts}
}

// AgentNames lists the roles a task call may target.
func (r *SubagentRunner) AgentNames() []string { return r.deps.Agents.Names() }

// Spawn runs one delegated task to completion. The parent's tool dispatch
// blocks on this; cancellation of the parent turn cascades through ctx.
func (r *SubagentRunner) Spawn(ctx context.Context, req tools.SpawnRequest) (tools.SpawnResult, error) {
	parentAgent := req.ParentAgent
	if parentAgent == "" {
		parentAgent = "cowork"
	}
	if !r.deps.Agents.CanDelegate(parentAgent, req.Agent) {
		return tools.SpawnResult{}, fmt.Errorf("agent %s may not delegate to %s", parentAgent, req.Agent)
	}
	if _, err := r.deps.Agents.Get(req.Agent); err != nil {
		return tools.SpawnResult{}, err
	}

	parent, err := r.deps.Storage.GetSession(ctx, req.ParentSessionID)
	if err != nil {
		return tools.SpawnResult{}, fmt.Errorf("load parent session: %w", err)
	}

	now := time.Now().UTC()
	child := &store.Session{
		ID:        uuid.NewString(),
		Name:      "subagent: " + req.Agent,
		Cwd:       parent.Cwd,
		Bypass:    parent.Bypass,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.deps.Storage.CreateSession(ctx, child); err != nil {
		return tools.SpawnResult{}, fmt.Errorf("create child session: %w", err)
	}
	branch := &store.Branch{
		ID:        uuid.NewString(),
		SessionID: child.ID,
		Name:      "main",
		CreatedAt: now,
	}
	if err := r.deps.Storage.CreateBranch(ctx, branch); err != nil {
		return tools.SpawnResult{}, fmt.Errorf("create child branch: %w", err)
	}

	r.publish(ctx, event.New(event.TypeSessionStarted, child.ID, branch.ID, nil))
	r.publish(ctx, event.New(event.TypeSubagentSpawned, req.ParentSessionID, req.ParentBranchID, event.SubagentSpawnedPayload{
		ParentSessionID: req.ParentSessionID,
		ChildSessionID:  child.ID,
		AgentName:       req.Agent,
		Prompt:          req.Prompt,
	}))

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	actor := NewActor(child.ID, branch.ID, r.deps)
	var output string
	runErr := retryTransient(tctx, backoffConfig{
		maxAttempts:  r.maxAttempts,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
	}, func() error {
		text, err := actor.RunOnce(tctx, SendRequest{Content: req.Prompt, Agent: req.Agent})
		if err != nil {
			return err
		}
		output = text
		return nil
	})
	if runErr == nil && tctx.Err() != nil {
		runErr = fmt.Errorf("timed out after %s", r.timeout)
	}

	completed := event.SubagentCompletedPayload{
		ChildSessionID: child.ID,
		AgentName:      req.Agent,
		Success:        runErr == nil,
	}
	if runErr != nil {
		completed.Error = runErr.Error()
	}
	r.publish(ctx, event.New(event.TypeSubagentCompleted, req.ParentSessionID, req.ParentBranchID, completed))

	if runErr != nil {
		return tools.SpawnResult{ChildSessionID: child.ID}, fmt.Errorf("subagent %s: %w", req.Agent, runErr)
	}
	return tools.SpawnResult{ChildSessionID: child.ID, Output: output}, nil
}

func (r *SubagentRunner) publish(ctx context.Context, ev event.Event) {
	if _, err := r.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.deps.Logger.Error("event publish failed", "type", ev.Type, "error", err)
	}
}
