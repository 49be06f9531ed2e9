package protocol

// Event names pushed from server to client. These mirror the session event
// log's type strings; values are wire-stable.
const (
	EventSessionStarted     = "session.started"
	EventSessionNameUpdated = "session.name_updated"
	EventMessageReceived    = "message.received"
	EventStreamStarted      = "stream.started"
	EventStreamChunk        = "stream.chunk"
	EventStreamEnded        = "stream.ended"
	EventTurnCompleted      = "turn.completed"
	EventToolCallStarted    = "tool.call.started"
	EventToolCallCompleted  = "tool.call.completed"
	EventPermissionRequested = "permission.requested"
	EventPermissionResolved  = "permission.resolved"
	EventPlanPresented      = "plan.presented"
	EventPlanConfirmed      = "plan.confirmed"
	EventPlanRejected       = "plan.rejected"
	EventQuestionsAsked     = "questions.asked"
	EventQuestionsAnswered  = "questions.answered"
	EventCompactionStarted  = "compaction.started"
	EventCompactionCompleted = "compaction.completed"
	EventErrorOccurred      = "error.occurred"
	EventBranchCreated      = "branch.created"
	EventBranchSwitched     = "branch.switched"
	EventModelChanged       = "model.changed"
	EventAgentSwitched      = "agent.switched"
	EventSubagentSpawned    = "subagent.spawned"
	EventSubagentCompleted  = "subagent.completed"
)

// Connection-scoped events, never persisted.
const (
	EventSubscriptionEnded = "subscription.ended"
	EventShutdown          = "shutdown"
)
