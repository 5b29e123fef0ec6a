package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/relayroom/relayroom/internal/auth"
	"github.com/relayroom/relayroom/internal/store"
	"go.uber.org/zap"
)

var errMissingVerifier = errors.New("identity: token verifier is required")

// TokenVerifier validates a provider-issued ID token.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.ProviderClaims, error)
}

// ManagerConfig describes the identity manager's collaborators. Directory
// is optional: when present, the manager performs the best-effort profile
// write into the shared user directory on successful sign-in; in other
// configurations that write is owned elsewhere.
type ManagerConfig struct {
	Verifier  TokenVerifier
	Directory store.UserDirectory
	Logger    *zap.Logger
}

// Manager owns the process-wide identity state and publishes every phase
// transition to subscribers.
type Manager struct {
	verifier  TokenVerifier
	directory store.UserDirectory
	logger    *zap.Logger

	mu    sync.Mutex
	state State

	subscriberMu sync.Mutex
	subscribers  map[int64]chan State
	nextID       int64
}

// NewManager constructs a manager in the Unknown phase.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		verifier:    cfg.Verifier,
		directory:   cfg.Directory,
		logger:      logger,
		state:       State{Phase: PhaseUnknown},
		subscribers: make(map[int64]chan State),
	}, nil
}

// Current returns the present identity state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns the live identity stream; the current state is
// delivered immediately. Slow consumers only ever lose intermediate
// states, never the latest one.
func (m *Manager) Subscribe(ctx context.Context) (<-chan State, func()) {
	stream := make(chan State, 1)
	m.subscriberMu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = stream
	m.subscriberMu.Unlock()

	stream <- m.Current()

	cancel := func() {
		m.subscriberMu.Lock()
		delete(m.subscribers, id)
		m.subscriberMu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// SignIn verifies the provider ID token and transitions into SignedIn. On
// success the verified profile is written into the user directory so every
// client can resolve this author; the write is best-effort and a failure
// does not fail the sign-in. A failed verification transitions to SignedOut.
func (m *Manager) SignIn(ctx context.Context, rawIDToken string) error {
	m.setState(State{Phase: PhaseSigningIn})

	claims, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		m.logger.Warn("sign-in verification failed", zap.Error(err))
		m.setState(State{Phase: PhaseSignedOut})
		return err
	}

	m.publishProfile(ctx, claims)
	m.setState(State{Phase: PhaseSignedIn, UserID: claims.Subject})
	return nil
}

// SignOut transitions through SigningOut into SignedOut. There is no remote
// session to revoke; the provider token simply stops being used.
func (m *Manager) SignOut(_ context.Context) {
	m.setState(State{Phase: PhaseSigningOut})
	m.setState(State{Phase: PhaseSignedOut})
}

func (m *Manager) publishProfile(ctx context.Context, claims auth.ProviderClaims) {
	if m.directory == nil {
		return
	}
	snapshot := store.UserSnapshot{}
	if claims.DisplayName != "" {
		displayName := claims.DisplayName
		snapshot.DisplayName = &displayName
	}
	if claims.AvatarURL != "" {
		avatarURL := claims.AvatarURL
		snapshot.AvatarURL = &avatarURL
	}
	if err := m.directory.PublishProfile(ctx, claims.Subject, snapshot); err != nil {
		m.logger.Warn("profile publish failed",
			zap.String("user_id", claims.Subject),
			zap.Error(err))
	}
}

func (m *Manager) setState(next State) {
	// The subscriber lock is held across mutation and delivery so
	// concurrent transitions cannot deliver an older state after a newer
	// one.
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()

	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	for _, stream := range m.subscribers {
		select {
		case stream <- next:
		default:
			select {
			case <-stream:
			default:
			}
			select {
			case stream <- next:
			default:
			}
		}
	}
}
