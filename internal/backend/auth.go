package backend

import (
	"context"
	"strings"
	"time"
)

// AuthEvent names a transition reported by OnAuthStateChange.
type AuthEvent string

const (
	AuthSignedIn  AuthEvent = "SIGNED_IN"
	AuthSignedOut AuthEvent = "SIGNED_OUT"
)

// Identity is the authenticated user as reported by the auth provider.
type Identity struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// Session binds an identity to its access token.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        Identity  `json:"user"`
}

// AuthProvider authenticates users.
type AuthProvider interface {
	GetSession(ctx context.Context) (*Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignUp(ctx context.Context, email, password string, attrs map[string]any) (Identity, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(callback func(AuthEvent, *Session)) (unsubscribe func())
}

func (i Identity) metadataString(key string) string {
	if i.Metadata == nil {
		return ""
	}
	value, _ := i.Metadata[key].(string)
	return strings.TrimSpace(value)
}

// DisplayName is the author name attached to messages sent by this identity.
func (i Identity) DisplayName() string {
	if name := i.metadataString("display_name"); name != "" {
		return name
	}
	if i.Email != "" {
		return i.Email
	}
	return "Guest"
}

// ProfileName is the username written to the profiles table on sign in.
func (i Identity) ProfileName() string {
	if name := i.metadataString("display_name"); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(i.Email, "@"); ok && local != "" {
		return local
	}
	return "User"
}

// AvatarURL returns the avatar stored in the identity metadata, if any.
func (i Identity) AvatarURL() *string {
	if url := i.metadataString("avatar_url"); url != "" {
		return &url
	}
	return nil
}
