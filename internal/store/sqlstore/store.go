// Package sqlstore implements the backing-store contract on SQLite. It
// plays the hosted realtime database's role: durable keyed collections,
// server-assigned keys, and child-event streams published to watchers on
// every write.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relayroom/relayroom/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("sqlstore: database handle is required")
	errMissingUserID   = errors.New("sqlstore: user id is required")
	errMissingText     = errors.New("sqlstore: message text is required")
	errMissingAuthorID = errors.New("sqlstore: author id is required")
	errMissingEmoji    = errors.New("sqlstore: emoji is required")
)

// IDProvider issues server-side keys for appended children.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers,
// which sort in creation order like the hosted store's push keys.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config describes the dependencies required by the store.
type Config struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Store implements store.UserDirectory and store.MessageStore.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
	clock      func() time.Time

	userEvents    *eventDispatcher[store.UserEvent]
	messageEvents *eventDispatcher[store.MessageEvent]
}

// New constructs the store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		db:            cfg.Database,
		idProvider:    idProvider,
		logger:        logger,
		clock:         clock,
		userEvents:    newEventDispatcher[store.UserEvent](),
		messageEvents: newEventDispatcher[store.MessageEvent](),
	}, nil
}

// SnapshotUsers returns the full current user directory.
func (s *Store) SnapshotUsers(ctx context.Context) (map[string]store.UserSnapshot, error) {
	var rows []UserRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: users snapshot: %w", err)
	}
	snapshots := make(map[string]store.UserSnapshot, len(rows))
	for _, row := range rows {
		snapshots[row.UserID] = userSnapshot(row)
	}
	return snapshots, nil
}

// WatchUsers attaches a live child-event stream for the users collection.
func (s *Store) WatchUsers(ctx context.Context) (<-chan store.UserEvent, func(), error) {
	stream, cancel := s.userEvents.subscribe(ctx)
	return stream, cancel, nil
}

// PublishProfile inserts or whole-replaces a directory profile and notifies
// watchers with an Added or Changed event accordingly.
func (s *Store) PublishProfile(ctx context.Context, userID string, snapshot store.UserSnapshot) error {
	trimmedID := strings.TrimSpace(userID)
	if trimmedID == "" {
		return errMissingUserID
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&UserRow{}).Where("user_id = ?", trimmedID).Count(&existing).Error; err != nil {
		return fmt.Errorf("sqlstore: profile lookup: %w", err)
	}

	row := UserRow{UserID: trimmedID}
	if snapshot.DisplayName != nil {
		row.DisplayName = strings.TrimSpace(*snapshot.DisplayName)
	}
	if snapshot.AvatarURL != nil {
		row.AvatarURL = strings.TrimSpace(*snapshot.AvatarURL)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlstore: profile upsert: %w", err)
	}

	eventType := store.EventAdded
	if existing > 0 {
		eventType = store.EventChanged
	}
	s.userEvents.publish(store.UserEvent{
		Type:     eventType,
		Key:      trimmedID,
		Snapshot: userSnapshot(row),
	})
	return nil
}

// SnapshotMessages returns every message with its nested reactions as of
// the same read, ordered oldest-first.
func (s *Store) SnapshotMessages(ctx context.Context) ([]store.KeyedMessage, error) {
	var messageRows []MessageRow
	if err := s.db.WithContext(ctx).
		Order("created_at_ms ASC, message_id ASC").
		Find(&messageRows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: messages snapshot: %w", err)
	}

	var reactionRows []ReactionRow
	if err := s.db.WithContext(ctx).Find(&reactionRows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: reactions snapshot: %w", err)
	}
	reactionsByMessage := make(map[string]map[string]store.ReactionSnapshot)
	for _, row := range reactionRows {
		if reactionsByMessage[row.MessageID] == nil {
			reactionsByMessage[row.MessageID] = make(map[string]store.ReactionSnapshot)
		}
		reactionsByMessage[row.MessageID][row.ReactionID] = reactionSnapshot(row)
	}

	keyed := make([]store.KeyedMessage, 0, len(messageRows))
	for _, row := range messageRows {
		keyed = append(keyed, store.KeyedMessage{
			Key:      row.MessageID,
			Snapshot: messageSnapshot(row, reactionsByMessage[row.MessageID]),
		})
	}
	return keyed, nil
}

// SnapshotMessage returns a single message with its nested reactions.
func (s *Store) SnapshotMessage(ctx context.Context, key string) (store.MessageSnapshot, error) {
	var row MessageRow
	err := s.db.WithContext(ctx).Where("message_id = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.MessageSnapshot{}, store.ErrMessageNotFound
	}
	if err != nil {
		return store.MessageSnapshot{}, fmt.Errorf("sqlstore: message snapshot: %w", err)
	}
	reactions, err := s.reactionsFor(ctx, key)
	if err != nil {
		return store.MessageSnapshot{}, err
	}
	return messageSnapshot(row, reactions), nil
}

// WatchMessages attaches a live child-event stream for the messages
// collection. Nested reaction writes surface as Changed events on the
// owning message.
func (s *Store) WatchMessages(ctx context.Context) (<-chan store.MessageEvent, func(), error) {
	stream, cancel := s.messageEvents.subscribe(ctx)
	return stream, cancel, nil
}

// AppendMessage stores a new message under a server-assigned key and
// notifies watchers.
func (s *Store) AppendMessage(ctx context.Context, snapshot store.MessageSnapshot) (string, error) {
	if snapshot.Text == nil || *snapshot.Text == "" {
		return "", errMissingText
	}
	if snapshot.AuthorID == nil || strings.TrimSpace(*snapshot.AuthorID) == "" {
		return "", errMissingAuthorID
	}
	createdAt := int64(0)
	if snapshot.CreatedAt != nil {
		createdAt = *snapshot.CreatedAt
	} else {
		createdAt = s.clock().UnixMilli()
	}

	key, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("sqlstore: message key: %w", err)
	}
	row := MessageRow{
		MessageID:   key,
		AuthorID:    strings.TrimSpace(*snapshot.AuthorID),
		Text:        *snapshot.Text,
		CreatedAtMs: createdAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("sqlstore: message insert: %w", err)
	}

	s.messageEvents.publish(store.MessageEvent{
		Type:     store.EventAdded,
		Key:      key,
		Snapshot: messageSnapshot(row, nil),
	})
	return key, nil
}

// AddReaction stores a reaction under the message with a server-assigned
// key and notifies watchers with a Changed event carrying the whole
// replacement record.
func (s *Store) AddReaction(ctx context.Context, messageKey string, snapshot store.ReactionSnapshot) (string, error) {
	if snapshot.Emoji == nil || *snapshot.Emoji == "" {
		return "", errMissingEmoji
	}
	if snapshot.AuthorID == nil || strings.TrimSpace(*snapshot.AuthorID) == "" {
		return "", errMissingAuthorID
	}
	createdAt := int64(0)
	if snapshot.CreatedAt != nil {
		createdAt = *snapshot.CreatedAt
	} else {
		createdAt = s.clock().UnixMilli()
	}

	var messageRow MessageRow
	err := s.db.WithContext(ctx).Where("message_id = ?", messageKey).Take(&messageRow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", store.ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: reaction target lookup: %w", err)
	}

	key, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("sqlstore: reaction key: %w", err)
	}
	row := ReactionRow{
		ReactionID:  key,
		MessageID:   messageKey,
		AuthorID:    strings.TrimSpace(*snapshot.AuthorID),
		Emoji:       *snapshot.Emoji,
		CreatedAtMs: createdAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("sqlstore: reaction insert: %w", err)
	}

	if err := s.publishMessageChanged(ctx, messageRow); err != nil {
		s.logger.Warn("reaction change event dropped", zap.String("message_id", messageKey), zap.Error(err))
	}
	return key, nil
}

// RemoveReaction deletes the reaction by its own key and notifies watchers
// with a Changed event on the owning message.
func (s *Store) RemoveReaction(ctx context.Context, messageKey, reactionKey string) error {
	result := s.db.WithContext(ctx).
		Where("message_id = ? AND reaction_id = ?", messageKey, reactionKey).
		Delete(&ReactionRow{})
	if result.Error != nil {
		return fmt.Errorf("sqlstore: reaction delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrReactionNotFound
	}

	var messageRow MessageRow
	err := s.db.WithContext(ctx).Where("message_id = ?", messageKey).Take(&messageRow).Error
	if err != nil {
		return fmt.Errorf("sqlstore: reaction owner lookup: %w", err)
	}
	if err := s.publishMessageChanged(ctx, messageRow); err != nil {
		s.logger.Warn("reaction change event dropped", zap.String("message_id", messageKey), zap.Error(err))
	}
	return nil
}

func (s *Store) publishMessageChanged(ctx context.Context, row MessageRow) error {
	reactions, err := s.reactionsFor(ctx, row.MessageID)
	if err != nil {
		return err
	}
	s.messageEvents.publish(store.MessageEvent{
		Type:     store.EventChanged,
		Key:      row.MessageID,
		Snapshot: messageSnapshot(row, reactions),
	})
	return nil
}

func (s *Store) reactionsFor(ctx context.Context, messageKey string) (map[string]store.ReactionSnapshot, error) {
	var rows []ReactionRow
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageKey).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: reactions lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	snapshots := make(map[string]store.ReactionSnapshot, len(rows))
	for _, row := range rows {
		snapshots[row.ReactionID] = reactionSnapshot(row)
	}
	return snapshots, nil
}

func userSnapshot(row UserRow) store.UserSnapshot {
	snapshot := store.UserSnapshot{}
	if row.DisplayName != "" {
		displayName := row.DisplayName
		snapshot.DisplayName = &displayName
	}
	if row.AvatarURL != "" {
		avatarURL := row.AvatarURL
		snapshot.AvatarURL = &avatarURL
	}
	return snapshot
}

func messageSnapshot(row MessageRow, reactions map[string]store.ReactionSnapshot) store.MessageSnapshot {
	text := row.Text
	authorID := row.AuthorID
	createdAt := row.CreatedAtMs
	return store.MessageSnapshot{
		Text:      &text,
		AuthorID:  &authorID,
		CreatedAt: &createdAt,
		Reactions: reactions,
	}
}

func reactionSnapshot(row ReactionRow) store.ReactionSnapshot {
	emoji := row.Emoji
	authorID := row.AuthorID
	createdAt := row.CreatedAtMs
	return store.ReactionSnapshot{
		Emoji:     &emoji,
		AuthorID:  &authorID,
		CreatedAt: &createdAt,
	}
}
