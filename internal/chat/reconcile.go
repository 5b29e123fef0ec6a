package chat

import "github.com/relayroom/relayroom/internal/identity"

// shouldReconcile reports whether an identity transition requires a full
// isSelf recompute: only transitions into SignedIn from a non-SignedIn
// phase, or out of SignedIn into any other phase. Transitions between two
// non-SignedIn phases during multi-step auth flows are no-ops.
func shouldReconcile(previous, next identity.State) bool {
	wasSignedIn := previous.Phase == identity.PhaseSignedIn
	isSignedIn := next.Phase == identity.PhaseSignedIn
	if wasSignedIn != isSignedIn {
		return true
	}
	// Direct hand-off between two signed-in users still changes authorship.
	return wasSignedIn && isSignedIn && previous.UserID != next.UserID
}

// reconcileMessages recomputes isSelf for every message and every nested
// reaction against the given identity. Pure: the input slice is not
// mutated. An empty currentUserID (signed out) clears every flag.
func reconcileMessages(messages []Message, currentUserID string) []Message {
	reconciled := make([]Message, len(messages))
	for index, message := range messages {
		reconciled[index] = reconcileMessage(message, currentUserID)
	}
	return reconciled
}

func reconcileMessage(message Message, currentUserID string) Message {
	message.IsSelf = currentUserID != "" && currentUserID == message.AuthorID
	if len(message.Reactions) > 0 {
		reactions := make([]Reaction, len(message.Reactions))
		for index, reaction := range message.Reactions {
			reaction.IsSelf = currentUserID != "" && currentUserID == reaction.AuthorID
			reactions[index] = reaction
		}
		message.Reactions = reactions
	}
	return message
}
