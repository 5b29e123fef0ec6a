package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relayroom/relayroom/internal/identity"
	"github.com/relayroom/relayroom/internal/store"
)

func strPtr(value string) *string {
	return &value
}

func int64Ptr(value int64) *int64 {
	return &value
}

// stubIdentity is a controllable identity source.
type stubIdentity struct {
	mu      sync.Mutex
	state   identity.State
	streams []chan identity.State
}

func newStubIdentity(state identity.State) *stubIdentity {
	return &stubIdentity{state: state}
}

func (s *stubIdentity) Current() identity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubIdentity) Subscribe(_ context.Context) (<-chan identity.State, func()) {
	stream := make(chan identity.State, 8)
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, func() {}
}

func (s *stubIdentity) set(next identity.State) {
	s.mu.Lock()
	s.state = next
	streams := s.streams
	s.mu.Unlock()
	for _, stream := range streams {
		stream <- next
	}
}

// fakeDirectory is an in-memory user directory with manual event control.
type fakeDirectory struct {
	mu          sync.Mutex
	snapshots   map[string]store.UserSnapshot
	snapshotErr error
	events      chan store.UserEvent
	published   []string
}

func newFakeDirectory(snapshots map[string]store.UserSnapshot) *fakeDirectory {
	if snapshots == nil {
		snapshots = make(map[string]store.UserSnapshot)
	}
	return &fakeDirectory{
		snapshots: snapshots,
		events:    make(chan store.UserEvent, 16),
	}
}

func (d *fakeDirectory) SnapshotUsers(_ context.Context) (map[string]store.UserSnapshot, error) {
	if d.snapshotErr != nil {
		return nil, d.snapshotErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make(map[string]store.UserSnapshot, len(d.snapshots))
	for key, snapshot := range d.snapshots {
		copied[key] = snapshot
	}
	return copied, nil
}

func (d *fakeDirectory) WatchUsers(_ context.Context) (<-chan store.UserEvent, func(), error) {
	return d.events, func() {}, nil
}

func (d *fakeDirectory) PublishProfile(_ context.Context, userID string, _ store.UserSnapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, userID)
	return nil
}

// fakeMessageStore records command writes and lets tests inject child
// events manually; it never echoes writes back on its own.
type fakeMessageStore struct {
	mu          sync.Mutex
	snapshots   []store.KeyedMessage
	snapshotErr error
	events      chan store.MessageEvent

	appended         []store.MessageSnapshot
	addedReactions   []store.ReactionSnapshot
	removedReactions []string
	nextKey          int
}

func newFakeMessageStore(snapshots []store.KeyedMessage) *fakeMessageStore {
	return &fakeMessageStore{
		snapshots: snapshots,
		events:    make(chan store.MessageEvent, 16),
	}
}

func (m *fakeMessageStore) SnapshotMessages(_ context.Context) ([]store.KeyedMessage, error) {
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]store.KeyedMessage, len(m.snapshots))
	copy(copied, m.snapshots)
	return copied, nil
}

func (m *fakeMessageStore) SnapshotMessage(_ context.Context, key string) (store.MessageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.snapshots {
		if entry.Key == key {
			return entry.Snapshot, nil
		}
	}
	return store.MessageSnapshot{}, store.ErrMessageNotFound
}

func (m *fakeMessageStore) WatchMessages(_ context.Context) (<-chan store.MessageEvent, func(), error) {
	return m.events, func() {}, nil
}

func (m *fakeMessageStore) AppendMessage(_ context.Context, snapshot store.MessageSnapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, snapshot)
	m.nextKey++
	return fmt.Sprintf("generated-%d", m.nextKey), nil
}

func (m *fakeMessageStore) AddReaction(_ context.Context, _ string, snapshot store.ReactionSnapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addedReactions = append(m.addedReactions, snapshot)
	m.nextKey++
	return fmt.Sprintf("reaction-%d", m.nextKey), nil
}

func (m *fakeMessageStore) RemoveReaction(_ context.Context, _, reactionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedReactions = append(m.removedReactions, reactionKey)
	return nil
}

func (m *fakeMessageStore) appendedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appended)
}

// waitForState drains the derived-state stream until the predicate holds.
func waitForState(t *testing.T, stream <-chan State, description string, predicate func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-stream:
			if predicate(state) {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state: %s", description)
		}
	}
}
