package tools

import "context"

// Tool execution context keys. These replace mutable setter fields on tool
// instances, making tools safe for concurrent execution. Values are injected
// by the runner and read by individual tools during Execute().

type toolContextKey string

const (
	ctxSessionID  toolContextKey = "tool_session_id"
	ctxBranchID   toolContextKey = "tool_branch_id"
	ctxToolCallID toolContextKey = "tool_call_id"
	ctxWorkspace  toolContextKey = "tool_workspace"
	ctxAgentName  toolContextKey = "tool_agent_name"
)

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

func SessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

func WithBranchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxBranchID, id)
}

func BranchIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxBranchID).(string)
	return v
}

func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxToolCallID, id)
}

func ToolCallIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxToolCallID).(string)
	return v
}

// WithWorkspace pins the working directory tools resolve relative paths
// against; usually the session cwd.
func WithWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func WorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

// WithAgentName records which agent role issued the call; the task tool uses
// it to enforce delegation whitelists.
func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxAgentName, name)
}

func AgentNameFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentName).(string)
	return v
}
