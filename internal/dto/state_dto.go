package dto

// Error scopes attached to snapshot errors so the presentation layer can
// place the banner next to the affected area.
const (
	ScopeRoom    = "room"
	ScopeSend    = "send"
	ScopeMessage = "message"
	ScopeAuth    = "auth"
	ScopeConfig  = "config"
)

// ConversationSnapshot is a read-only copy of the conversation state.
type ConversationSnapshot struct {
	RoomID          string              `json:"room_id"`
	SelectedPeer    *User               `json:"selected_peer,omitempty"`
	Messages        []ChatMessage       `json:"messages"`
	Input           string              `json:"input"`
	UnreadCounts    map[string]int      `json:"unread_counts"`
	DirectRooms     map[string]string   `json:"direct_rooms"`
	ReadReceipts    map[string][]string `json:"read_receipts"`
	LoadingRoom     bool                `json:"loading_room"`
	LoadingMessages bool                `json:"loading_messages"`
	Error           string              `json:"error,omitempty"`
	ErrorScope      string              `json:"error_scope,omitempty"`
}

// PresenceSnapshot is a read-only copy of the presence roster.
type PresenceSnapshot struct {
	Users         []User   `json:"users"`
	OnlineUserIDs []string `json:"online_user_ids"`
	Loading       bool     `json:"loading"`
}

// SessionUser is the signed-in user as shown to the presentation layer.
type SessionUser struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// SessionSnapshot is a read-only copy of the session state.
type SessionSnapshot struct {
	Authenticated bool         `json:"authenticated"`
	Loading       bool         `json:"loading"`
	User          *SessionUser `json:"user,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// StreamEnvelope wraps snapshots pushed over the stream websocket.
type StreamEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// LoginRequest is the body of the login endpoint.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignupRequest is the body of the signup endpoint.
type SignupRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"display_name" validate:"required,min=3,max=30"`
}

// SendRequest carries editor input, possibly rich text.
type SendRequest struct {
	Text *string `json:"text"`
}

// EditRequest carries the replacement content of a message.
type EditRequest struct {
	Content string `json:"content" validate:"required,min=1"`
}

// InputRequest replaces the composer input.
type InputRequest struct {
	Text string `json:"text"`
}

// DirectRoomRequest selects the direct room with a peer.
type DirectRoomRequest struct {
	PeerID      string  `json:"peer_id" validate:"required,max=64"`
	DisplayName string  `json:"display_name" validate:"max=255"`
	AvatarURL   *string `json:"avatar_url" validate:"omitempty,url"`
}

// MarkReadRequest acknowledges messages.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=500,dive,required,max=64"`
}
