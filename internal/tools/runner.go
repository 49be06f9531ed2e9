package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/interact"
	"github.com/gentlabs/gent/internal/permission"
	"github.com/gentlabs/gent/internal/store"
)

// DefaultParallelism bounds how many parallel-safe tools run at once.
const DefaultParallelism = 4

// Call is one tool invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Scope carries the session context a call executes under. Allowed, when
// non-nil, restricts the call to the agent's tool allowlist.
type Scope struct {
	SessionID string
	BranchID  string
	AgentName string
	Cwd       string
	Bypass    bool
	Allowed   []string
}

// Runner is the tool execution pipeline: resolve, validate, permission gate,
// concurrency discipline, execute, normalize. Tool failures never escape as
// errors; every call produces a tool-result part the model can read.
type Runner struct {
	registry *Registry
	policy   *permission.Policy
	handlers *interact.Handlers
	events   *event.Store
	logger   *slog.Logger

	serialMu sync.Mutex
	sem      *semaphore.Weighted
}

// NewRunner wires the pipeline. parallelism <= 0 uses DefaultParallelism.
func NewRunner(registry *Registry, policy *permission.Policy, handlers *interact.Handlers, events *event.Store, logger *slog.Logger, parallelism int) *Runner {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Runner{
		registry: registry,
		policy:   policy,
		handlers: handlers,
		events:   events,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(parallelism)),
	}
}

// Registry exposes the underlying registry for schema export.
func (r *Runner) Registry() *Registry { return r.registry }

// Run executes one call end to end and returns its tool-result part.
func (r *Runner) Run(ctx context.Context, call Call, sc Scope) store.Part {
	res := r.execute(ctx, call, sc)
	return r.finish(ctx, call, sc, res)
}

func (r *Runner) execute(ctx context.Context, call Call, sc Scope) *Result {
	tool, ok := r.registry.Get(call.Name)
	if !ok || !allowed(sc.Allowed, call.Name) {
		return Errorf("unknown tool: %s", call.Name)
	}

	if err := r.registry.Validate(call.Name, call.Input); err != nil {
		return Errorf("invalid input for %s: %v", call.Name, err)
	}

	decision := r.policy.Check(permission.CheckInput{
		Tool:     call.Name,
		Input:    call.Input,
		Bypass:   sc.Bypass,
		ReadOnly: IsReadOnly(tool),
	})
	switch decision {
	case permission.DecisionDenied:
		return Errorf("denied by policy")
	case permission.DecisionAsk:
		d, err := r.handlers.RequestPermission(ctx, sc.SessionID, sc.BranchID, call.ID, call.Name, call.Input)
		if err != nil {
			return Errorf("permission request cancelled")
		}
		if !d.Allow {
			return Errorf("permission denied")
		}
		if d.Persist {
			if err := r.policy.Persist(call.Name, d.Pattern); err != nil {
				r.logger.Warn("persist permission rule failed", "tool", call.Name, "error", err)
			}
		}
	}

	// The call is now cleared to run; a call stopped by resolution, validation,
	// or the permission gate never emits a started event.
	r.publish(ctx, event.New(event.TypeToolCallStarted, sc.SessionID, sc.BranchID, event.ToolCallStartedPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
	}))

	if IsSerial(tool) {
		r.serialMu.Lock()
		defer r.serialMu.Unlock()
	} else {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return Errorf("cancelled")
		}
		defer r.sem.Release(1)
	}

	ctx = WithSessionID(ctx, sc.SessionID)
	ctx = WithBranchID(ctx, sc.BranchID)
	ctx = WithToolCallID(ctx, call.ID)
	if sc.AgentName != "" {
		ctx = WithAgentName(ctx, sc.AgentName)
	}
	if sc.Cwd != "" {
		ctx = WithWorkspace(ctx, sc.Cwd)
	}
	return r.safeExecute(ctx, tool, call.Input)
}

// safeExecute contains tool panics; a panicking tool yields an error result
// instead of taking the actor down.
func (r *Runner) safeExecute(ctx context.Context, tool Tool, input json.RawMessage) (res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", tool.Name(), "panic", rec)
			res = Errorf("tool %s panicked: %v", tool.Name(), rec)
		}
	}()
	res = tool.Execute(ctx, input)
	if res == nil {
		res = Errorf("tool %s returned no result", tool.Name())
	}
	return res
}

func (r *Runner) finish(ctx context.Context, call Call, sc Scope, res *Result) store.Part {
	value, err := json.Marshal(res.Value)
	if err != nil {
		res = Errorf("marshal result for %s: %v", call.Name, err)
		value, _ = json.Marshal(res.Value)
	}

	outType := store.ToolOutputJSON
	if res.IsError {
		outType = store.ToolOutputErrorJSON
	}
	output := store.ToolOutput{Type: outType, Value: value}

	r.publish(ctx, event.New(event.TypeToolCallCompleted, sc.SessionID, sc.BranchID, event.ToolCallCompletedPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    res.IsError,
		Summary:    res.Summary,
		Output:     value,
	}))

	return store.ToolResultPart(call.ID, call.Name, output)
}

func (r *Runner) publish(ctx context.Context, ev event.Event) {
	// Completion events must land even when the turn's ctx is already
	// cancelled, otherwise the log shows a started call with no outcome.
	if _, err := r.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Error("publish tool event failed", "type", ev.Type, "error", err)
	}
}

func allowed(list []string, name string) bool {
	if list == nil {
		return true
	}
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
