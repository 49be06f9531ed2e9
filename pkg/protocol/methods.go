package protocol

// RPC method name constants.

// Session lifecycle.
const (
	MethodCreateSession       = "createSession"
	MethodListSessions        = "listSessions"
	MethodGetSession          = "getSession"
	MethodGetSessionState     = "getSessionState"
	MethodUpdateSessionBypass = "updateSessionBypass"
)

// Branch operations.
const (
	MethodListBranches  = "listBranches"
	MethodCreateBranch  = "createBranch"
	MethodForkBranch    = "forkBranch"
	MethodSwitchBranch  = "switchBranch"
	MethodGetBranchTree = "getBranchTree"
	MethodCompactBranch = "compactBranch"
)

// Conversation.
const (
	MethodSendMessage  = "sendMessage"
	MethodListMessages = "listMessages"
	MethodSteer        = "steer"
)

// Interactive responses.
const (
	MethodRespondPermission = "respondPermission"
	MethodRespondPlan       = "respondPlan"
	MethodRespondQuestions  = "respondQuestions"
)

// Event streaming.
const (
	MethodSubscribeEvents = "subscribeEvents"
	MethodUnsubscribe     = "unsubscribe"
)

// System.
const (
	MethodHealth = "health"
)
