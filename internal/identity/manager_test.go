package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayroom/relayroom/internal/auth"
	"github.com/relayroom/relayroom/internal/store"
)

type stubVerifier struct {
	claims auth.ProviderClaims
	err    error
}

func (v stubVerifier) Verify(_ context.Context, _ string) (auth.ProviderClaims, error) {
	if v.err != nil {
		return auth.ProviderClaims{}, v.err
	}
	return v.claims, nil
}

type recordingDirectory struct {
	mu        sync.Mutex
	published map[string]store.UserSnapshot
	err       error
}

func newRecordingDirectory() *recordingDirectory {
	return &recordingDirectory{published: make(map[string]store.UserSnapshot)}
}

func (d *recordingDirectory) SnapshotUsers(_ context.Context) (map[string]store.UserSnapshot, error) {
	return nil, nil
}

func (d *recordingDirectory) WatchUsers(_ context.Context) (<-chan store.UserEvent, func(), error) {
	return make(chan store.UserEvent), func() {}, nil
}

func (d *recordingDirectory) PublishProfile(_ context.Context, userID string, snapshot store.UserSnapshot) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published[userID] = snapshot
	return nil
}

func waitForPhase(t *testing.T, stream <-chan State, phase Phase) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-stream:
			if state.Phase == phase {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", phase)
		}
	}
}

func TestManagerStartsInUnknownPhase(t *testing.T) {
	manager, err := NewManager(ManagerConfig{Verifier: stubVerifier{}})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	if manager.Current().Phase != PhaseUnknown {
		t.Fatalf("expected unknown phase, got %s", manager.Current().Phase)
	}
}

func TestManagerRequiresVerifier(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatalf("expected missing verifier to fail construction")
	}
}

func TestManagerSignInPublishesProfileAndSignedInState(t *testing.T) {
	directory := newRecordingDirectory()
	manager, err := NewManager(ManagerConfig{
		Verifier: stubVerifier{claims: auth.ProviderClaims{
			Subject:     "u1",
			DisplayName: "Ann",
			AvatarURL:   "https://example.com/a.png",
		}},
		Directory: directory,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}

	if err := manager.SignIn(context.Background(), "raw-token"); err != nil {
		t.Fatalf("unexpected sign-in error: %v", err)
	}

	state := manager.Current()
	if state.Phase != PhaseSignedIn || state.UserID != "u1" {
		t.Fatalf("unexpected state after sign-in: %+v", state)
	}

	directory.mu.Lock()
	defer directory.mu.Unlock()
	snapshot, ok := directory.published["u1"]
	if !ok {
		t.Fatalf("expected profile to be published for u1")
	}
	if snapshot.DisplayName == nil || *snapshot.DisplayName != "Ann" {
		t.Fatalf("unexpected published display name: %v", snapshot.DisplayName)
	}
}

func TestManagerSignInFailureTransitionsToSignedOut(t *testing.T) {
	manager, err := NewManager(ManagerConfig{
		Verifier: stubVerifier{err: errors.New("token rejected")},
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}

	if err := manager.SignIn(context.Background(), "bad-token"); err == nil {
		t.Fatalf("expected sign-in to surface verification error")
	}
	if manager.Current().Phase != PhaseSignedOut {
		t.Fatalf("expected signed-out phase after failure, got %s", manager.Current().Phase)
	}
}

func TestManagerProfilePublishFailureDoesNotFailSignIn(t *testing.T) {
	directory := newRecordingDirectory()
	directory.err = errors.New("directory write refused")
	manager, err := NewManager(ManagerConfig{
		Verifier:  stubVerifier{claims: auth.ProviderClaims{Subject: "u1"}},
		Directory: directory,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}

	if err := manager.SignIn(context.Background(), "raw-token"); err != nil {
		t.Fatalf("expected best-effort publish failure to be swallowed, got %v", err)
	}
	if manager.Current().Phase != PhaseSignedIn {
		t.Fatalf("expected signed-in phase, got %s", manager.Current().Phase)
	}
}

func TestManagerSignOutReachesSignedOut(t *testing.T) {
	manager, err := NewManager(ManagerConfig{
		Verifier: stubVerifier{claims: auth.ProviderClaims{Subject: "u1"}},
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	if err := manager.SignIn(context.Background(), "raw-token"); err != nil {
		t.Fatalf("unexpected sign-in error: %v", err)
	}

	manager.SignOut(context.Background())

	state := manager.Current()
	if state.Phase != PhaseSignedOut || state.UserID != "" {
		t.Fatalf("unexpected state after sign-out: %+v", state)
	}
}

func TestManagerSubscribeDeliversCurrentStateImmediately(t *testing.T) {
	manager, err := NewManager(ManagerConfig{
		Verifier: stubVerifier{claims: auth.ProviderClaims{Subject: "u1"}},
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := manager.Subscribe(ctx)
	defer unsubscribe()

	select {
	case state := <-stream:
		if state.Phase != PhaseUnknown {
			t.Fatalf("expected initial unknown state, got %s", state.Phase)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial state")
	}

	if err := manager.SignIn(context.Background(), "raw-token"); err != nil {
		t.Fatalf("unexpected sign-in error: %v", err)
	}
	state := waitForPhase(t, stream, PhaseSignedIn)
	if state.UserID != "u1" {
		t.Fatalf("expected signed-in state to carry u1, got %q", state.UserID)
	}

	manager.SignOut(context.Background())
	waitForPhase(t, stream, PhaseSignedOut)
}

func TestSignedInUserAccessor(t *testing.T) {
	if _, ok := (State{Phase: PhaseSignedOut}).SignedInUser(); ok {
		t.Fatalf("expected signed-out state to carry no user")
	}
	userID, ok := (State{Phase: PhaseSignedIn, UserID: "u1"}).SignedInUser()
	if !ok || userID != "u1" {
		t.Fatalf("expected signed-in user u1, got %q", userID)
	}
}
