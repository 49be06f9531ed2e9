package store

import (
	"encoding/json"
	"time"
)

// Session is the top-level conversation container. A session owns a forest of
// branches; Bypass flips the permission default from "ask" to "allow".
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	Bypass    bool      `json:"bypass"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Branch is a linear conversation within a session. Branches may fork from a
// message on a parent branch; forking copies history up to ParentMessageID.
type Branch struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	ParentBranchID  string    `json:"parentBranchId,omitempty"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
	Name            string    `json:"name,omitempty"`
	Model           string    `json:"model,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a branch. Messages are immutable once persisted and
// totally ordered by CreatedAt within their branch.
type Message struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	BranchID       string    `json:"branchId"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"createdAt"`
	TurnDurationMs int64     `json:"turnDurationMs,omitempty"`
}

// PartType discriminates the Part union. The discriminator is stable across
// versions; new variants are only ever appended.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// Part is one element of a message body. Exactly the fields relevant to its
// Type are populated; everything else stays at the zero value so encoding is
// byte-stable across decode/encode round trips.
type Part struct {
	Type PartType `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// image
	Image     string `json:"image,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// tool-call (assistant messages only) and tool-result (tool messages only)
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     *ToolOutput     `json:"output,omitempty"`
}

// ToolOutput carries a tool result payload. Type is "json" for success and
// "error-json" for failures the model should see and recover from.
type ToolOutput struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

const (
	ToolOutputJSON      = "json"
	ToolOutputErrorJSON = "error-json"
)

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ReasoningPart builds a reasoning part (model-private, excluded from token
// estimation).
func ReasoningPart(text string) Part { return Part{Type: PartReasoning, Text: text} }

// ToolCallPart builds a tool-call part for an assistant message.
func ToolCallPart(id, name string, input json.RawMessage) Part {
	return Part{Type: PartToolCall, ToolCallID: id, ToolName: name, Input: input}
}

// ToolResultPart builds a tool-result part for a tool message.
func ToolResultPart(id, name string, output ToolOutput) Part {
	return Part{Type: PartToolResult, ToolCallID: id, ToolName: name, Output: &output}
}

// CheckpointKind discriminates the Checkpoint union.
type CheckpointKind string

const (
	CheckpointCompaction CheckpointKind = "compaction"
	CheckpointPlan       CheckpointKind = "plan"
)

// Checkpoint alters how prior context is loaded for the next provider call.
// A compaction checkpoint replaces the head of the branch with Summary and
// keeps everything from FirstKeptMessageID on; a plan checkpoint supersedes
// all prior context with the file at PlanPath.
type Checkpoint struct {
	ID       string         `json:"id"`
	Kind     CheckpointKind `json:"kind"`
	BranchID string         `json:"branchId"`

	// compaction
	Summary            string `json:"summary,omitempty"`
	FirstKeptMessageID string `json:"firstKeptMessageId,omitempty"`

	// plan
	PlanPath string `json:"planPath,omitempty"`

	MessageCount int       `json:"messageCount"`
	TokenCount   int       `json:"tokenCount"`
	CreatedAt    time.Time `json:"createdAt"`
}
