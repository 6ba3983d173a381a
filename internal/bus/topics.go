package bus

import "time"

// Session lifecycle topics.
const (
	TopicSessionCreated = "session.created"
	TopicSessionStopped = "session.stopped"
	TopicSessionStatus  = "session.status"
)

// Approval topics.
const (
	TopicApprovalRequired = "approval.required"
	TopicApprovalResolved = "approval.resolved"
)

// SessionEvent is published on session.created and session.stopped.
type SessionEvent struct {
	SessionID    string
	Profile      string
	Status       string
	Reason       string
	CreatedAt    time.Time
	MessageCount int
	InputTokens  int
	OutputTokens int
}

// StatusChangedEvent is published for every accepted state transition.
type StatusChangedEvent struct {
	SessionID string
	OldStatus string
	NewStatus string
}

// ApprovalRequiredEvent mirrors the approval:required UI event for
// out-of-band approvers.
type ApprovalRequiredEvent struct {
	SessionID  string
	ApprovalID string
	Prompt     string
	Options    []string
	Timeout    time.Duration
	Default    string
}

// ApprovalResolvedEvent is published when an approval wait ends.
// Reason is empty for a user decision, "timeout" or "session_stopped" otherwise.
type ApprovalResolvedEvent struct {
	SessionID  string
	ApprovalID string
	Decision   string
	Reason     string
	Waited     time.Duration
}
