package context

import "github.com/haasonsaas/browseragent/pkg/models"

// PruneToRecentRounds keeps every user message plus the most recent k
// assistant/tool-result exchange rounds, dropping older tool exchanges
// entirely. This is the Agent Loop's step-2 transcript trim (§4.4): unlike
// PruneContextMessages' char-budget soft/hard trimming, it counts rounds,
// not bytes, and never rewrites the messages it keeps.
//
// A "round" is one assistant message together with the tool-result
// messages answering its tool calls. The backward scan mirrors
// findAssistantCutoffIndex's keep-last-N-assistants walk.
func PruneToRecentRounds(messages []*models.Message, k int) []*models.Message {
	if k <= 0 || len(messages) == 0 {
		return messages
	}

	cutoff, found := findAssistantCutoffIndex(messages, k)
	if !found {
		return messages
	}

	kept := make([]*models.Message, 0, len(messages))
	for i, msg := range messages {
		if msg == nil {
			continue
		}
		if i >= cutoff || msg.Role == models.RoleUser || msg.Role == models.RoleSystem {
			kept = append(kept, msg)
		}
	}
	return kept
}
