// Package event defines the agent event union and the process-wide event
// store. The event log is the single source of truth for "what happened" in a
// session; every other component either derives state from it or emits into it.
package event

import (
	"encoding/json"
	"time"

	"github.com/gentlabs/gent/internal/store"
)

// Type names an event variant. Values are wire-stable; new variants are only
// ever appended.
type Type string

const (
	TypeSessionStarted       Type = "session.started"
	TypeSessionNameUpdated   Type = "session.name_updated"
	TypeMessageReceived      Type = "message.received"
	TypeStreamStarted        Type = "stream.started"
	TypeStreamChunk          Type = "stream.chunk"
	TypeStreamEnded          Type = "stream.ended"
	TypeTurnCompleted        Type = "turn.completed"
	TypeToolCallStarted      Type = "tool.call.started"
	TypeToolCallCompleted    Type = "tool.call.completed"
	TypePermissionRequested  Type = "permission.requested"
	TypePermissionResolved   Type = "permission.resolved"
	TypePlanPresented        Type = "plan.presented"
	TypePlanConfirmed        Type = "plan.confirmed"
	TypePlanRejected         Type = "plan.rejected"
	TypeQuestionsAsked       Type = "questions.asked"
	TypeQuestionsAnswered    Type = "questions.answered"
	TypeCompactionStarted    Type = "compaction.started"
	TypeCompactionCompleted  Type = "compaction.completed"
	TypeErrorOccurred        Type = "error.occurred"
	TypeBranchCreated        Type = "branch.created"
	TypeBranchSwitched       Type = "branch.switched"
	TypeBranchSummarized     Type = "branch.summarized"
	TypeModelChanged         Type = "model.changed"
	TypeAgentSwitched        Type = "agent.switched"
	TypeSubagentSpawned      Type = "subagent.spawned"
	TypeSubagentCompleted    Type = "subagent.completed"
	TypeMachineInspected     Type = "machine.inspected"
	TypeMachineTaskSucceeded Type = "machine.task.succeeded"
	TypeMachineTaskFailed    Type = "machine.task.failed"
)

// Event is one entry in the session log before id assignment.
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	BranchID  string          `json:"branchId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope is an event plus its assigned id and timestamp.
type Envelope struct {
	ID        uint64    `json:"id"`
	Event     Event     `json:"event"`
	CreatedAt time.Time `json:"createdAt"`
}

// New builds an event with a marshalled payload. Marshalling a payload struct
// defined in this package never fails; a nil payload produces no payload field.
func New(t Type, sessionID, branchID string, payload any) Event {
	ev := Event{Type: t, SessionID: sessionID, BranchID: branchID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Payload structs, one per variant that carries data. Field names are part of
// the wire protocol.

type MessageReceivedPayload struct {
	MessageID string     `json:"messageId"`
	Role      store.Role `json:"role"`
}

type StreamStartedPayload struct {
	Model string `json:"model"`
	Agent string `json:"agent,omitempty"`
}

type StreamChunkPayload struct {
	Text string `json:"text"`
}

type StreamEndedPayload struct {
	Interrupted  bool          `json:"interrupted"`
	FinishReason string        `json:"finishReason,omitempty"`
	Usage        *UsagePayload `json:"usage,omitempty"`
}

type UsagePayload struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type TurnCompletedPayload struct {
	DurationMs int64 `json:"durationMs"`
}

type ToolCallStartedPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type ToolCallCompletedPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	IsError    bool            `json:"isError"`
	Summary    string          `json:"summary,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

type PermissionRequestedPayload struct {
	RequestID  string          `json:"requestId"`
	ToolName   string          `json:"toolName"`
	ToolCallID string          `json:"toolCallId"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type PermissionResolvedPayload struct {
	RequestID string `json:"requestId"`
	Allowed   bool   `json:"allowed"`
	Persisted bool   `json:"persisted,omitempty"`
}

type PlanPresentedPayload struct {
	RequestID string `json:"requestId"`
	PlanPath  string `json:"planPath"`
}

type PlanResolvedPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type QuestionsAskedPayload struct {
	RequestID string     `json:"requestId"`
	Questions []Question `json:"questions"`
}

type Question struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

type QuestionsAnsweredPayload struct {
	RequestID string     `json:"requestId"`
	Answers   [][]string `json:"answers"`
}

type CompactionPayload struct {
	CheckpointID string `json:"checkpointId,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	TokenCount   int    `json:"tokenCount,omitempty"`
}

type ErrorOccurredPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type SessionNameUpdatedPayload struct {
	Name string `json:"name"`
}

type BranchPayload struct {
	BranchID       string `json:"branchId"`
	ParentBranchID string `json:"parentBranchId,omitempty"`
	Name           string `json:"name,omitempty"`
	Summary        string `json:"summary,omitempty"`
}

type ModelChangedPayload struct {
	Model string `json:"model"`
}

type AgentSwitchedPayload struct {
	Agent string `json:"agent"`
	Mode  string `json:"mode,omitempty"`
}

type SubagentSpawnedPayload struct {
	ParentSessionID string `json:"parentSessionId"`
	ChildSessionID  string `json:"childSessionId"`
	AgentName       string `json:"agentName"`
	Prompt          string `json:"prompt"`
}

type SubagentCompletedPayload struct {
	ChildSessionID string `json:"childSessionId"`
	AgentName      string `json:"agentName"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// MachineInspectedPayload records a supervisor state transition for the wide
// event aggregator.
type MachineInspectedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}

type MachineTaskPayload struct {
	Task  string `json:"task"`
	Error string `json:"error,omitempty"`
}
