package bus

// Domain event subjects. Names are part of the operational contract and
// stay stable across versions.
const (
	SubjectConversationStarted     = "conversation.started"
	SubjectMessageAdded            = "conversation.message_added"
	SubjectConversationDeactivated = "conversation.deactivated"
	SubjectToolMessagesCleared     = "conversation.tool_messages_cleared"

	SubjectAgentAssigned           = "agent.assigned"
	SubjectAgentSwitched           = "agent.switched"
	SubjectAgentSwitchLimitReached = "agent.switch_limit_reached"

	SubjectApprovalRequested       = "approval.requested"
	SubjectApprovalGranted         = "approval.granted"
	SubjectApprovalRejected        = "approval.rejected"
	SubjectApprovalExpired         = "approval.expired"
	SubjectPolicyEvaluated         = "approval.policy_evaluated"
	SubjectAutoApprovalGranted     = "approval.auto_granted"
	SubjectUserDecisionRequired    = "approval.decision_required"

	SubjectProcessingStarted   = "processing.started"
	SubjectProcessingCompleted = "processing.completed"
)
