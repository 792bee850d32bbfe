package bus

import "testing"

func TestTopicConstantsNonEmpty(t *testing.T) {
	topics := map[string]string{
		"TopicChatStateChanged":   TopicChatStateChanged,
		"TopicChatMessage":        TopicChatMessage,
		"TopicChatRateLimited":    TopicChatRateLimited,
		"TopicGitRebaseConflict":  TopicGitRebaseConflict,
		"TopicGitPush":            TopicGitPush,
		"TopicPRCreated":          TopicPRCreated,
		"TopicPRMerged":           TopicPRMerged,
		"TopicIntegrationQueued":  TopicIntegrationQueued,
		"TopicIntegrationMerged":  TopicIntegrationMerged,
		"TopicSelfUpdateDetected": TopicSelfUpdateDetected,
		"TopicSelfUpdateApplied":  TopicSelfUpdateApplied,
		"TopicSelfUpdateFailed":   TopicSelfUpdateFailed,
		"TopicSeedDispatched":     TopicSeedDispatched,
		"TopicProposalFiled":      TopicProposalFiled,
	}
	for name, v := range topics {
		if v == "" {
			t.Fatalf("%s is empty", name)
		}
	}
}

func TestTopicConstantsDistinct(t *testing.T) {
	all := []string{
		TopicChatStateChanged, TopicChatMessage, TopicChatRateLimited,
		TopicGitRebaseConflict, TopicGitPush, TopicPRCreated, TopicPRMerged,
		TopicIntegrationQueued, TopicIntegrationMerged,
		TopicSelfUpdateDetected, TopicSelfUpdateApplied, TopicSelfUpdateFailed,
		TopicSeedDispatched, TopicProposalFiled,
	}
	seen := make(map[string]bool, len(all))
	for _, topic := range all {
		if seen[topic] {
			t.Fatalf("duplicate topic constant value %q", topic)
		}
		seen[topic] = true
	}
}

func TestChatStateChangedEventFields(t *testing.T) {
	ev := ChatStateChangedEvent{
		ConversationKey: "tg:123",
		OldPhase:        "IDLE",
		NewPhase:        "COLLECTING",
	}
	if ev.ConversationKey == "" || ev.OldPhase == ev.NewPhase {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestIntegrationEventFields(t *testing.T) {
	ev := IntegrationEvent{TaskID: "t1", Repo: "r1", Branch: "borg/task-1", Status: "queued"}
	if ev.TaskID == "" || ev.Branch == "" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
