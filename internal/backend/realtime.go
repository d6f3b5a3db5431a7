package backend

import (
	"context"
	"encoding/json"
	"time"
)

// ChangeType tags a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	ChangeAll    ChangeType = "*"
)

// ChangeEvent is a row-level notification. New is set for INSERT/UPDATE, Old for DELETE.
type ChangeEvent struct {
	Type            ChangeType      `json:"eventType"`
	Table           string          `json:"table"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// ChangeFilter selects change events by table and operation.
type ChangeFilter struct {
	Event ChangeType
	Table string
}

// Matches reports whether evt passes the filter.
func (f ChangeFilter) Matches(evt ChangeEvent) bool {
	if f.Table != "" && f.Table != evt.Table {
		return false
	}
	return f.Event == "" || f.Event == ChangeAll || f.Event == evt.Type
}

// PresenceEventType tags a presence-feed event.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent is delivered for joins and leaves (Key set) and for syncs (Key empty).
type PresenceEvent struct {
	Type    PresenceEventType `json:"event"`
	Key     string            `json:"key,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// SubscribeStatus is reported to the Subscribe status callback.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusClosed       SubscribeStatus = "CLOSED"
)

// ChannelConfig configures a channel. PresenceKey identifies the local
// client in the channel's presence state.
type ChannelConfig struct {
	PresenceKey string
}

// Channel is a topic-scoped realtime subscription. Handlers must be bound
// before Subscribe. Events of one channel are delivered sequentially.
type Channel interface {
	Topic() string
	OnChange(filter ChangeFilter, handler func(ChangeEvent)) Channel
	OnPresence(event PresenceEventType, handler func(PresenceEvent)) Channel
	Subscribe(ctx context.Context, onStatus func(SubscribeStatus, error)) error
	Track(ctx context.Context, payload any) error
	PresenceState() map[string][]json.RawMessage
	Unsubscribe(ctx context.Context) error
}

// RealtimeBus hands out channels.
type RealtimeBus interface {
	Channel(topic string, cfg ChannelConfig) Channel
}
