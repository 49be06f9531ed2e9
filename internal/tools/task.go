package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Spawner runs a delegated task in a child session and returns its final
// assistant text. Implemented by the subagent runner; injected here to keep
// the tool layer free of agent-loop dependencies.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	AgentNames() []string
}

// SpawnRequest describes a delegated task.
type SpawnRequest struct {
	ParentSessionID string
	ParentBranchID  string
	ParentAgent     string
	Agent           string
	Prompt          string
}

// SpawnResult is what the parent turn receives back.
type SpawnResult struct {
	ChildSessionID string
	Output         string
}

// TaskTool delegates a task to a named subagent. The call blocks until the
// child session completes; its final text becomes the tool result.
type TaskTool struct {
	spawner Spawner
}

func NewTaskTool(spawner Spawner) *TaskTool {
	return &TaskTool{spawner: spawner}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return fmt.Sprintf("Delegate a task to a specialised subagent. Available agents: %v", t.spawner.AgentNames())
}

func (t *TaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent": map[string]any{
				"type":        "string",
				"description": "Name of the agent to delegate to",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Complete task description for the subagent",
			},
		},
		"required":             []string{"agent", "prompt"},
		"additionalProperties": false,
	}
}

func (t *TaskTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Agent  string `json:"agent"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	res, err := t.spawner.Spawn(ctx, SpawnRequest{
		ParentSessionID: SessionIDFromCtx(ctx),
		ParentBranchID:  BranchIDFromCtx(ctx),
		ParentAgent:     AgentNameFromCtx(ctx),
		Agent:           args.Agent,
		Prompt:          args.Prompt,
	})
	if err != nil {
		return Errorf("subagent %s failed: %v", args.Agent, err)
	}
	return OK(map[string]any{
		"agent":          args.Agent,
		"childSessionId": res.ChildSessionID,
		"output":         res.Output,
	}).WithSummary(fmt.Sprintf("delegated to %s", args.Agent))
}
