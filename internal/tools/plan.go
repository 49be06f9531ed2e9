package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/gentlabs/gent/internal/interact"
	"github.com/gentlabs/gent/internal/store"
)

// PlanRecorder persists a confirmed plan as a checkpoint. Implemented by the
// checkpoint service; injected to keep the tool layer free of history logic.
type PlanRecorder interface {
	CreatePlanCheckpoint(ctx context.Context, branchID, planPath string) (*store.Checkpoint, error)
}

// PresentPlanTool writes the agent's plan to a file, presents it to the user
// for confirmation, and records a plan checkpoint when accepted. Plan files
// land under the harness state directory, never the workspace.
type PresentPlanTool struct {
	handlers *interact.Handlers
	recorder PlanRecorder
	dir      string
}

// NewPresentPlanTool creates the tool. Plan files are written under dir.
func NewPresentPlanTool(handlers *interact.Handlers, recorder PlanRecorder, dir string) *PresentPlanTool {
	return &PresentPlanTool{handlers: handlers, recorder: recorder, dir: dir}
}

func (t *PresentPlanTool) Name() string { return "present_plan" }

func (t *PresentPlanTool) Description() string {
	return "Present an implementation plan to the user for confirmation. " +
		"Call this once the plan is complete; a rejected plan comes back with the reason so you can revise it."
}

func (t *PresentPlanTool) ReadOnly() bool { return true }

func (t *PresentPlanTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"plan": map[string]any{
				"type":        "string",
				"description": "The complete plan in markdown",
			},
		},
		"required":             []string{"plan"},
		"additionalProperties": false,
	}
}

func (t *PresentPlanTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.Plan) == "" {
		return Errorf("plan is empty")
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return Errorf("create plan directory: %v", err)
	}
	path := filepath.Join(t.dir, fmt.Sprintf("plan-%s.md", uuid.NewString()))
	if err := os.WriteFile(path, []byte(args.Plan), 0o644); err != nil {
		return Errorf("write plan file: %v", err)
	}

	branchID := BranchIDFromCtx(ctx)
	d, err := t.handlers.PresentPlan(ctx, SessionIDFromCtx(ctx), branchID, path)
	if err != nil {
		return Errorf("plan confirmation failed: %v", err)
	}
	if !d.Confirmed {
		return OK(map[string]any{
			"confirmed": false,
			"reason":    d.Reason,
		}).WithSummary("plan rejected")
	}

	if _, err := t.recorder.CreatePlanCheckpoint(ctx, branchID, path); err != nil {
		return Errorf("record plan checkpoint: %v", err)
	}
	return OK(map[string]any{
		"confirmed": true,
		"path":      path,
	}).WithSummary("plan confirmed")
}
