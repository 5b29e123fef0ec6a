package chat

import (
	"errors"
	"testing"

	"github.com/relayroom/relayroom/internal/store"
)

func TestMaterializeMessageResolvesAuthorFromCache(t *testing.T) {
	cache := newUserCache()
	cache.upsert(User{ID: "u1", DisplayName: "Ann"})

	snapshot := store.MessageSnapshot{
		Text:      strPtr("hello"),
		AuthorID:  strPtr("u1"),
		CreatedAt: int64Ptr(1700000000000),
	}

	message, err := materializeMessage("m1", snapshot, cache, "u1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if message.Author == nil || message.Author.DisplayName != "Ann" {
		t.Fatalf("expected author Ann to be resolved, got %+v", message.Author)
	}
	if !message.IsSelf {
		t.Fatalf("expected message authored by current user to be self")
	}
	if message.CreatedAt != 1700000000000 {
		t.Fatalf("expected stored createdAt, got %d", message.CreatedAt)
	}
}

func TestMaterializeMessageFailsWithoutText(t *testing.T) {
	snapshot := store.MessageSnapshot{AuthorID: strPtr("u1")}

	if _, err := materializeMessage("m1", snapshot, newUserCache(), "", 0); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestMaterializeMessageFailsWithoutAuthor(t *testing.T) {
	snapshot := store.MessageSnapshot{Text: strPtr("hello"), AuthorID: strPtr("  ")}

	if _, err := materializeMessage("m1", snapshot, newUserCache(), "", 0); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestMaterializeMessageDefaultsMissingCreatedAt(t *testing.T) {
	snapshot := store.MessageSnapshot{Text: strPtr("hello"), AuthorID: strPtr("u1")}

	message, err := materializeMessage("m1", snapshot, newUserCache(), "", 1234)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if message.CreatedAt != 1234 {
		t.Fatalf("expected fallback createdAt 1234, got %d", message.CreatedAt)
	}
	if message.Author != nil {
		t.Fatalf("expected unresolved author for unknown user")
	}
}

func TestMaterializeReactionsDropsMalformedEntriesIndividually(t *testing.T) {
	snapshot := store.MessageSnapshot{
		Text:     strPtr("hello"),
		AuthorID: strPtr("u1"),
		Reactions: map[string]store.ReactionSnapshot{
			"r1": {Emoji: strPtr("❤️"), AuthorID: strPtr("u2"), CreatedAt: int64Ptr(20)},
			"r2": {AuthorID: strPtr("u2"), CreatedAt: int64Ptr(10)},
			"r3": {Emoji: strPtr("👍"), AuthorID: strPtr("u1"), CreatedAt: int64Ptr(10)},
		},
	}

	message, err := materializeMessage("m1", snapshot, newUserCache(), "u1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(message.Reactions) != 2 {
		t.Fatalf("expected 2 valid reactions, got %d", len(message.Reactions))
	}
	// Oldest-first by createdAt.
	if message.Reactions[0].ID != "r3" || message.Reactions[1].ID != "r1" {
		t.Fatalf("unexpected order: %s, %s", message.Reactions[0].ID, message.Reactions[1].ID)
	}
	if !message.Reactions[0].IsSelf {
		t.Fatalf("expected own reaction to be marked self")
	}
	if message.Reactions[1].IsSelf {
		t.Fatalf("expected foreign reaction to stay unmarked")
	}
}

func TestMaterializeReactionsBreaksCreatedAtTiesByKey(t *testing.T) {
	snapshot := store.MessageSnapshot{
		Text:     strPtr("hello"),
		AuthorID: strPtr("u1"),
		Reactions: map[string]store.ReactionSnapshot{
			"rb": {Emoji: strPtr("❤️"), AuthorID: strPtr("u1"), CreatedAt: int64Ptr(10)},
			"ra": {Emoji: strPtr("👍"), AuthorID: strPtr("u1"), CreatedAt: int64Ptr(10)},
		},
	}

	message, err := materializeMessage("m1", snapshot, newUserCache(), "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if message.Reactions[0].ID != "ra" || message.Reactions[1].ID != "rb" {
		t.Fatalf("unexpected tiebreak order: %s, %s", message.Reactions[0].ID, message.Reactions[1].ID)
	}
}

func TestMaterializeUserTrimsProfileFields(t *testing.T) {
	user := materializeUser("u1", store.UserSnapshot{
		DisplayName: strPtr("  Ann  "),
		AvatarURL:   strPtr(" https://example.com/a.png "),
	})

	if user.DisplayName != "Ann" {
		t.Fatalf("expected trimmed display name, got %q", user.DisplayName)
	}
	if user.AvatarURL != "https://example.com/a.png" {
		t.Fatalf("expected trimmed avatar url, got %q", user.AvatarURL)
	}
}
