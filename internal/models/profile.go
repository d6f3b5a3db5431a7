package models

import (
	"time"

	"gorm.io/datatypes"
)

// Profile is the public directory entry of a user.
type Profile struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Username  string    `gorm:"size:255;index" json:"username"`
	AvatarURL *string   `gorm:"size:1024" json:"avatar_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account backs the local auth provider. Metadata mirrors the user metadata
// attached at signup (display_name, avatar_url).
type Account struct {
	ID           string            `gorm:"primaryKey;size:64"`
	Email        string            `gorm:"size:320;uniqueIndex;not null"`
	PasswordHash string            `gorm:"size:255;not null"`
	Confirmed    bool              `gorm:"not null;default:false"`
	Metadata     datatypes.JSONMap `gorm:"type:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ClientState is a key/value row of the local client state database.
type ClientState struct {
	Key       string         `gorm:"primaryKey;size:128"`
	Payload   datatypes.JSON `gorm:"type:json"`
	UpdatedAt time.Time
}
