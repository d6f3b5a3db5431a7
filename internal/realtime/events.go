package realtime

import "github.com/noah-isme/gema-chat/internal/dto"

// Event is a translated realtime event. Consumers switch on the concrete type.
type Event interface {
	feed() string
}

// Sink receives translated events, one at a time per feed.
type Sink func(Event)

// MessageUpserted carries a message inserted into the active room. The
// consumer appends it, or merges it into the entry with the same id.
type MessageUpserted struct {
	RoomID  string
	Message dto.ChatMessage
}

// MessageRemoved carries a deleted message id. RoomID is empty when the
// change carried no room, in which case it applies to the active room.
type MessageRemoved struct {
	RoomID string
	ID     string
}

// MessageContentChanged carries the decoded content of an edited message.
type MessageContentChanged struct {
	RoomID  string
	ID      string
	Content string
}

// UnreadIncremented reports a message from someone else in a non-active room.
type UnreadIncremented struct {
	RoomID string
}

// OnlineSynced carries the full set of online users.
type OnlineSynced struct {
	UserIDs []string
}

// UserJoined reports a user coming online.
type UserJoined struct {
	UserID string
}

// UserLeft reports a user going offline.
type UserLeft struct {
	UserID string
}

// ReceiptAdded reports that UserID read MessageID.
type ReceiptAdded struct {
	MessageID string
	UserID    string
}

// ReceiptRemoved withdraws a read marker.
type ReceiptRemoved struct {
	MessageID string
	UserID    string
}

func (MessageUpserted) feed() string       { return FeedMessages }
func (MessageRemoved) feed() string        { return FeedMessages }
func (MessageContentChanged) feed() string { return FeedMessages }
func (UnreadIncremented) feed() string     { return FeedMessages }
func (OnlineSynced) feed() string          { return FeedPresence }
func (UserJoined) feed() string            { return FeedPresence }
func (UserLeft) feed() string              { return FeedPresence }
func (ReceiptAdded) feed() string          { return FeedReadReceipts }
func (ReceiptRemoved) feed() string        { return FeedReadReceipts }

// FeedOf names the feed an event was routed from.
func FeedOf(evt Event) string {
	return evt.feed()
}
