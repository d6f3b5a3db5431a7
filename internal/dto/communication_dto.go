package dto

import (
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ChatMessage is a message as the client renders it.
type ChatMessage struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	AuthorDisplayName string    `json:"author_display_name"`
	AuthorAvatarURL   *string   `json:"author_avatar_url,omitempty"`
	AuthorUserID      *string   `json:"author_user_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	IsOptimistic      bool      `json:"is_optimistic"`
}

// ProfileRecord is the joined profile attached to a stored message.
type ProfileRecord struct {
	Username  *string `json:"username"`
	AvatarURL *string `json:"avatar_url"`
}

// MessageRecord is a raw stored message, either fetched or carried by a change event.
type MessageRecord struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	UserID    *string        `json:"user_id"`
	Username  *string        `json:"username"`
	AvatarURL *string        `json:"avatar_url"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Profile   *ProfileRecord `json:"profiles"`
}

// NewMessageRecord converts a stored row into a raw record.
func NewMessageRecord(message models.Message) MessageRecord {
	record := MessageRecord{
		ID:        message.ID,
		RoomID:    message.RoomID,
		UserID:    message.UserID,
		Content:   message.Content,
		CreatedAt: message.CreatedAt,
	}
	if message.Username != "" {
		username := message.Username
		record.Username = &username
	}
	if message.Profile != nil {
		record.Profile = NewProfileRecord(*message.Profile)
	}
	return record
}

// NewMessageRecordSlice converts stored rows into raw records.
func NewMessageRecordSlice(messages []models.Message) []MessageRecord {
	out := make([]MessageRecord, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageRecord(message))
	}
	return out
}

// NewProfileRecord converts a profile row into the joined record shape.
func NewProfileRecord(profile models.Profile) *ProfileRecord {
	record := &ProfileRecord{AvatarURL: profile.AvatarURL}
	if profile.Username != "" {
		username := profile.Username
		record.Username = &username
	}
	return record
}

// ReadRecord is a raw message_reads row carried by a change event.
type ReadRecord struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// User is a directory entry.
type User struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// NewUser converts a profile row into a directory entry.
func NewUser(profile models.Profile) User {
	return User{ID: profile.ID, DisplayName: profile.Username, AvatarURL: profile.AvatarURL}
}

// NewUserSlice converts profile rows into directory entries.
func NewUserSlice(profiles []models.Profile) []User {
	out := make([]User, 0, len(profiles))
	for _, profile := range profiles {
		out = append(out, NewUser(profile))
	}
	return out
}

// SendMessageRequest is validated before a message is written remotely.
type SendMessageRequest struct {
	ID       string  `json:"id" validate:"required,uuid4"`
	RoomID   string  `json:"room_id" validate:"required,max=64"`
	UserID   *string `json:"user_id" validate:"omitempty,max=64"`
	Username string  `json:"username" validate:"required,max=255"`
	Content  string  `json:"content" validate:"required,min=1"`
}

// EditMessageRequest is validated before a message is edited remotely.
type EditMessageRequest struct {
	ID      string `json:"id" validate:"required,max=64"`
	Content string `json:"content" validate:"required,min=1"`
}

// ProfileUpsertRequest is validated before a profile row is written.
type ProfileUpsertRequest struct {
	ID        string  `json:"id" validate:"required,max=64"`
	Username  string  `json:"username" validate:"required,min=1,max=255"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,url"`
}
