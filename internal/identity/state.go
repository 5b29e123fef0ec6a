package identity

import "context"

// Phase enumerates the authentication phases a session can be in.
type Phase string

const (
	// PhaseUnknown is the initial phase before the first provider callback.
	PhaseUnknown Phase = "unknown"
	// PhaseSignedOut indicates no active session.
	PhaseSignedOut Phase = "signed_out"
	// PhaseSigningIn indicates a sign-in exchange is in flight.
	PhaseSigningIn Phase = "signing_in"
	// PhaseSigningOut indicates a sign-out is in flight.
	PhaseSigningOut Phase = "signing_out"
	// PhaseSignedIn indicates an authenticated session for State.UserID.
	PhaseSignedIn Phase = "signed_in"
)

// State is the authoritative identity value published to consumers.
// UserID is populated only while Phase is PhaseSignedIn.
type State struct {
	Phase  Phase
	UserID string
}

// SignedInUser returns the active user id and whether a user is signed in.
func (s State) SignedInUser() (string, bool) {
	if s.Phase != PhaseSignedIn || s.UserID == "" {
		return "", false
	}
	return s.UserID, true
}

// Source exposes the live identity stream consumed by the sync engine.
type Source interface {
	Current() State
	Subscribe(ctx context.Context) (<-chan State, func())
}
