package sqlstore

import "time"

// UserRow persists a user-directory profile.
type UserRow struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (UserRow) TableName() string {
	return "chat_users"
}

// MessageRow persists a chat message. CreatedAtMs is the sender-clock
// timestamp in milliseconds, as assigned on write.
type MessageRow struct {
	MessageID   string `gorm:"column:message_id;primaryKey;size:190;not null"`
	AuthorID    string `gorm:"column:author_id;size:190;not null;index"`
	Text        string `gorm:"column:text;type:text;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRow) TableName() string {
	return "chat_messages"
}

// ReactionRow persists a reaction nested under a message.
type ReactionRow struct {
	ReactionID  string `gorm:"column:reaction_id;primaryKey;size:190;not null"`
	MessageID   string `gorm:"column:message_id;size:190;not null;index"`
	AuthorID    string `gorm:"column:author_id;size:190;not null"`
	Emoji       string `gorm:"column:emoji;size:64;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReactionRow) TableName() string {
	return "chat_reactions"
}
