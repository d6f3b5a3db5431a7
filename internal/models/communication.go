package models

import (
	"time"
)

// Room kinds stored in rooms.kind.
const (
	RoomKindShared = "shared"
	RoomKindDirect = "direct"
)

// Message is a row of the messages table. The id is chosen by the client.
type Message struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	RoomID    string     `gorm:"size:64;index;not null" json:"room_id"`
	UserID    *string    `gorm:"size:64;index" json:"user_id"`
	Username  string     `gorm:"size:255" json:"username"`
	Content   string     `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Profile   *Profile   `gorm:"foreignKey:UserID;references:ID" json:"profiles,omitempty"`
}

// Room is a row of the rooms table. Shared rooms are unique by name, direct
// rooms by their ordered user pair.
type Room struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      *string   `gorm:"size:128;uniqueIndex" json:"name"`
	Kind      string    `gorm:"size:16;not null;default:shared" json:"kind"`
	UserLow   *string   `gorm:"size:64;uniqueIndex:idx_rooms_direct_pair" json:"user_low,omitempty"`
	UserHigh  *string   `gorm:"size:64;uniqueIndex:idx_rooms_direct_pair" json:"user_high,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRead records that a user has seen a message.
type MessageRead struct {
	MessageID string    `gorm:"primaryKey;size:64" json:"message_id"`
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
