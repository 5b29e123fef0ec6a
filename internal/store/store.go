// Package store defines the logical backing-store contract the sync engine
// is written against: three keyed collections (users, messages, and each
// message's nested reactions), one-shot snapshot reads, live child-event
// streams, and writes that assign server-side keys.
package store

import (
	"context"
	"errors"
)

// ErrMessageNotFound indicates a message key is absent from the store.
var ErrMessageNotFound = errors.New("store: message not found")

// ErrReactionNotFound indicates a reaction key is absent from a message.
var ErrReactionNotFound = errors.New("store: reaction not found")

// EventType tags a child event within a collection stream.
type EventType string

const (
	// EventAdded signals a new child under the collection key.
	EventAdded EventType = "added"
	// EventChanged signals a whole-record replacement for an existing key.
	EventChanged EventType = "changed"
	// EventRemoved signals a child was deleted from the collection.
	EventRemoved EventType = "removed"
)

// UserSnapshot is a raw user-directory record. Every field is optional on
// the wire; decoding never fails, absence is represented by nil.
type UserSnapshot struct {
	DisplayName *string `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// ReactionSnapshot is a raw reaction record nested under a message.
type ReactionSnapshot struct {
	Emoji     *string `json:"emoji,omitempty"`
	AuthorID  *string `json:"authorId,omitempty"`
	CreatedAt *int64  `json:"createdAt,omitempty"`
}

// MessageSnapshot is a raw message record with its nested reactions as of
// the same read.
type MessageSnapshot struct {
	Text      *string                     `json:"text,omitempty"`
	AuthorID  *string                     `json:"authorId,omitempty"`
	CreatedAt *int64                      `json:"createdAt,omitempty"`
	Reactions map[string]ReactionSnapshot `json:"reactions,omitempty"`
}

// UserEvent is a child event on the users collection.
type UserEvent struct {
	Type     EventType
	Key      string
	Snapshot UserSnapshot
}

// MessageEvent is a child event on the messages collection. Changed events
// carry the whole replacement record including nested reactions.
type MessageEvent struct {
	Type     EventType
	Key      string
	Snapshot MessageSnapshot
}

// KeyedMessage pairs a message key with its snapshot; snapshot reads return
// these in insertion (oldest-first) order.
type KeyedMessage struct {
	Key      string
	Snapshot MessageSnapshot
}

// UserDirectory is the users collection: profile snapshots, the live child
// event stream, and the best-effort profile publish performed on sign-in.
type UserDirectory interface {
	SnapshotUsers(ctx context.Context) (map[string]UserSnapshot, error)
	WatchUsers(ctx context.Context) (<-chan UserEvent, func(), error)
	PublishProfile(ctx context.Context, userID string, snapshot UserSnapshot) error
}

// MessageStore is the messages collection with nested reactions. Append and
// AddReaction assign and return server-side keys.
type MessageStore interface {
	SnapshotMessages(ctx context.Context) ([]KeyedMessage, error)
	SnapshotMessage(ctx context.Context, key string) (MessageSnapshot, error)
	WatchMessages(ctx context.Context) (<-chan MessageEvent, func(), error)
	AppendMessage(ctx context.Context, snapshot MessageSnapshot) (string, error)
	AddReaction(ctx context.Context, messageKey string, snapshot ReactionSnapshot) (string, error)
	RemoveReaction(ctx context.Context, messageKey, reactionKey string) error
}
