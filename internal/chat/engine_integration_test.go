package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relayroom/relayroom/internal/auth"
	"github.com/relayroom/relayroom/internal/database"
	"github.com/relayroom/relayroom/internal/identity"
	"github.com/relayroom/relayroom/internal/store"
	"github.com/relayroom/relayroom/internal/store/sqlstore"
	"go.uber.org/zap"
)

type integrationVerifier struct {
	claims auth.ProviderClaims
}

func (v integrationVerifier) Verify(_ context.Context, _ string) (auth.ProviderClaims, error) {
	return v.claims, nil
}

// Exercises the full loop against the real backing store: baseline load,
// live child events, identity transitions, and the send/toggle commands
// echoing back through the listener.
func TestEngineEndToEndOverSQLiteStore(t *testing.T) {
	ctx := context.Background()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	backingStore, err := sqlstore.New(sqlstore.Config{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	if err := backingStore.PublishProfile(ctx, "u1", store.UserSnapshot{DisplayName: strPtr("Ann")}); err != nil {
		t.Fatalf("failed to publish profile: %v", err)
	}
	messageKey, err := backingStore.AppendMessage(ctx, store.MessageSnapshot{
		Text:      strPtr("hi"),
		AuthorID:  strPtr("u1"),
		CreatedAt: int64Ptr(100),
	})
	if err != nil {
		t.Fatalf("failed to append baseline message: %v", err)
	}

	manager, err := identity.NewManager(identity.ManagerConfig{
		Verifier:  integrationVerifier{claims: auth.ProviderClaims{Subject: "u1", DisplayName: "Ann"}},
		Directory: backingStore,
	})
	if err != nil {
		t.Fatalf("failed to construct identity manager: %v", err)
	}
	manager.SignOut(ctx)

	engine, err := NewEngine(EngineConfig{
		Users:    backingStore,
		Messages: backingStore,
		Identity: manager,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	defer engine.Close()

	stream, cancel := engine.ObserveState(ctx)
	defer cancel()

	state := waitForState(t, stream, "signed-out baseline", func(state State) bool {
		return len(state.Messages) == 1 && !state.Messages[0].IsSelf
	})
	if state.Messages[0].Author == nil || state.Messages[0].Author.DisplayName != "Ann" {
		t.Fatalf("expected resolved author Ann, got %+v", state.Messages[0].Author)
	}
	if state.Status != StatusReady {
		t.Fatalf("expected ready status, got %s", state.Status)
	}

	if err := manager.SignIn(ctx, "provider-token"); err != nil {
		t.Fatalf("failed to sign in: %v", err)
	}
	waitForState(t, stream, "self flag after sign-in", func(state State) bool {
		return len(state.Messages) == 1 && state.Messages[0].IsSelf
	})

	engine.ToggleReaction(ctx, "❤️", messageKey)
	waitForState(t, stream, "own reaction echoed back", func(state State) bool {
		return len(state.Messages) == 1 &&
			len(state.Messages[0].Reactions) == 1 &&
			state.Messages[0].Reactions[0].Emoji == "❤️" &&
			state.Messages[0].Reactions[0].IsSelf
	})

	engine.ToggleReaction(ctx, "❤️", messageKey)
	waitForState(t, stream, "reaction removed on second toggle", func(state State) bool {
		return len(state.Messages) == 1 && len(state.Messages[0].Reactions) == 0
	})

	engine.SendMessage(ctx, "hello again")
	waitForState(t, stream, "sent message echoed back newest-first", func(state State) bool {
		return len(state.Messages) == 2 &&
			state.Messages[0].Text == "hello again" &&
			state.Messages[0].IsSelf
	})

	manager.SignOut(ctx)
	waitForState(t, stream, "flags cleared after sign-out", func(state State) bool {
		return len(state.Messages) == 2 &&
			!state.Messages[0].IsSelf &&
			!state.Messages[1].IsSelf
	})
}
