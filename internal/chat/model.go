package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/relayroom/relayroom/internal/store"
)

var (
	// ErrMalformedRecord indicates a decoded record is missing a field the
	// domain model requires. The record is skipped; the stream continues.
	ErrMalformedRecord = errors.New("chat: malformed record")
	errMissingText     = errors.New("text is required")
	errMissingAuthor   = errors.New("author id is required")
	errMissingEmoji    = errors.New("emoji is required")
)

// User is a resolved member of the user directory. Profile fields may be
// empty when the directory record omitted them.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Reaction is a materialized reaction owned by exactly one message. IsSelf
// is derived from the current identity and recomputed on every transition.
type Reaction struct {
	ID        string
	Emoji     string
	AuthorID  string
	Author    *User
	CreatedAt int64
	IsSelf    bool
}

// Message is a materialized chat message. IsSelf always equals
// "signed in and authored by the current user"; it is never set directly.
type Message struct {
	ID        string
	Text      string
	AuthorID  string
	Author    *User
	CreatedAt int64
	Reactions []Reaction
	IsSelf    bool
}

func materializeUser(key string, snapshot store.UserSnapshot) User {
	user := User{ID: key}
	if snapshot.DisplayName != nil {
		user.DisplayName = strings.TrimSpace(*snapshot.DisplayName)
	}
	if snapshot.AvatarURL != nil {
		user.AvatarURL = strings.TrimSpace(*snapshot.AvatarURL)
	}
	return user
}

// materializeMessage resolves a raw message snapshot against the user cache
// and the current identity. A missing text or author id fails the record.
// A missing createdAt falls back to the provided clock value, mirroring the
// sender-clock assignment performed on write.
func materializeMessage(key string, snapshot store.MessageSnapshot, cache *userCache, currentUserID string, fallbackCreatedAt int64) (Message, error) {
	if snapshot.Text == nil {
		return Message{}, fmt.Errorf("%w: message %s: %v", ErrMalformedRecord, key, errMissingText)
	}
	if snapshot.AuthorID == nil || strings.TrimSpace(*snapshot.AuthorID) == "" {
		return Message{}, fmt.Errorf("%w: message %s: %v", ErrMalformedRecord, key, errMissingAuthor)
	}

	authorID := strings.TrimSpace(*snapshot.AuthorID)
	createdAt := fallbackCreatedAt
	if snapshot.CreatedAt != nil {
		createdAt = *snapshot.CreatedAt
	}

	message := Message{
		ID:        key,
		Text:      *snapshot.Text,
		AuthorID:  authorID,
		Author:    cache.get(authorID),
		CreatedAt: createdAt,
		IsSelf:    currentUserID != "" && currentUserID == authorID,
	}
	message.Reactions = materializeReactions(snapshot.Reactions, cache, currentUserID, fallbackCreatedAt)
	return message, nil
}

// materializeReactions resolves the nested reaction set as of the same
// snapshot. Malformed reactions are dropped individually; the message is
// still materialized. Results are ordered oldest-first by createdAt with
// the key as a tiebreaker so the set is stable across re-materializations.
func materializeReactions(snapshots map[string]store.ReactionSnapshot, cache *userCache, currentUserID string, fallbackCreatedAt int64) []Reaction {
	if len(snapshots) == 0 {
		return nil
	}
	reactions := make([]Reaction, 0, len(snapshots))
	for key, snapshot := range snapshots {
		reaction, err := materializeReaction(key, snapshot, cache, currentUserID, fallbackCreatedAt)
		if err != nil {
			continue
		}
		reactions = append(reactions, reaction)
	}
	sortReactions(reactions)
	return reactions
}

func materializeReaction(key string, snapshot store.ReactionSnapshot, cache *userCache, currentUserID string, fallbackCreatedAt int64) (Reaction, error) {
	if snapshot.Emoji == nil || *snapshot.Emoji == "" {
		return Reaction{}, fmt.Errorf("%w: reaction %s: %v", ErrMalformedRecord, key, errMissingEmoji)
	}
	if snapshot.AuthorID == nil || strings.TrimSpace(*snapshot.AuthorID) == "" {
		return Reaction{}, fmt.Errorf("%w: reaction %s: %v", ErrMalformedRecord, key, errMissingAuthor)
	}

	authorID := strings.TrimSpace(*snapshot.AuthorID)
	createdAt := fallbackCreatedAt
	if snapshot.CreatedAt != nil {
		createdAt = *snapshot.CreatedAt
	}

	return Reaction{
		ID:        key,
		Emoji:     *snapshot.Emoji,
		AuthorID:  authorID,
		Author:    cache.get(authorID),
		CreatedAt: createdAt,
		IsSelf:    currentUserID != "" && currentUserID == authorID,
	}, nil
}

func sortReactions(reactions []Reaction) {
	sort.Slice(reactions, func(i, j int) bool {
		if reactions[i].CreatedAt != reactions[j].CreatedAt {
			return reactions[i].CreatedAt < reactions[j].CreatedAt
		}
		return reactions[i].ID < reactions[j].ID
	})
}
