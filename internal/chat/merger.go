package chat

// mergeState folds a collection's child events into the ordered message
// list. It is owned by the engine and mutated only on the engine's event
// goroutine; there is no ambient shared state.
//
// The list is kept newest-first: new arrivals are prepended, so existing
// entries are never reordered. The seen set is seeded from the baseline
// snapshot and makes Added idempotent: listener replay of a key already
// counted in the baseline is a no-op (first arrival wins).
type mergeState struct {
	seen     map[string]struct{}
	messages []Message
}

func newMergeState() *mergeState {
	return &mergeState{seen: make(map[string]struct{})}
}

// seed installs the baseline snapshot. The provided messages must already
// be ordered newest-first.
func (s *mergeState) seed(messages []Message) {
	s.messages = messages
	for _, message := range messages {
		s.seen[message.ID] = struct{}{}
	}
}

// applyAdded splices a new message at the newest boundary. Returns false
// when the key was already materialized.
func (s *mergeState) applyAdded(message Message) bool {
	if _, ok := s.seen[message.ID]; ok {
		return false
	}
	s.seen[message.ID] = struct{}{}
	s.messages = append([]Message{message}, s.messages...)
	return true
}

// applyChanged whole-replaces the entry matched by key. An event for a key
// never baseline-loaded is dropped silently.
func (s *mergeState) applyChanged(message Message) bool {
	for index := range s.messages {
		if s.messages[index].ID == message.ID {
			s.messages[index] = message
			return true
		}
	}
	return false
}

// applyRemoved drops the entry for key. The source chat client left remote
// removals unapplied, so removal is off unless the engine opted in; when
// disabled the event is accepted as a no-op.
func (s *mergeState) applyRemoved(key string, enabled bool) bool {
	if !enabled {
		return false
	}
	for index := range s.messages {
		if s.messages[index].ID == key {
			s.messages = append(s.messages[:index], s.messages[index+1:]...)
			delete(s.seen, key)
			return true
		}
	}
	return false
}

func (s *mergeState) lookup(key string) (Message, bool) {
	for _, message := range s.messages {
		if message.ID == key {
			return message, true
		}
	}
	return Message{}, false
}

func (s *mergeState) snapshot() []Message {
	copied := make([]Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}
