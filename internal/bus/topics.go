package bus

// Chat dispatcher event topics (§4.F).
const (
	TopicChatStateChanged = "chat.state_changed"
	TopicChatMessage      = "chat.message"
	TopicChatRateLimited  = "chat.rate_limited"
)

// Worktree / rebase / integration event topics (§4.B, §4.E.4, §4.E.5).
const (
	TopicGitRebaseConflict = "git.rebase_conflict"
	TopicGitPush           = "git.push"
	TopicPRCreated         = "pr.created"
	TopicPRMerged          = "pr.merged"
	TopicIntegrationQueued = "integration.queued"
	TopicIntegrationMerged = "integration.merged"
)

// Self-update supervisor event topics (§4.H).
const (
	TopicSelfUpdateDetected = "selfupdate.detected"
	TopicSelfUpdateApplied  = "selfupdate.applied"
	TopicSelfUpdateFailed   = "selfupdate.failed"
)

// Seeder event topics (§4.E.6).
const (
	TopicSeedDispatched = "seed.dispatched"
	TopicProposalFiled  = "proposal.filed"
)

// ChatStateChangedEvent is published when a conversation transitions state.
type ChatStateChangedEvent struct {
	ConversationKey string
	OldPhase        string
	NewPhase        string
}

// GitRebaseConflictEvent is published when a rebase leaves conflict markers for the fix agent.
type GitRebaseConflictEvent struct {
	TaskID string
	Branch string
}

// IntegrationEvent is published on integration-queue transitions.
type IntegrationEvent struct {
	TaskID string
	Repo   string
	Branch string
	Status string
}

// SelfUpdateEvent is published when the self-update supervisor detects a
// mainline advance, applies it, or fails to.
type SelfUpdateEvent struct {
	Revision string
	Detail   string
}
