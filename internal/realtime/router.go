// Package realtime routes change-feed and presence events into typed events
// for the state containers. It never mutates state itself.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/codec"
	"github.com/noah-isme/gema-chat/internal/dto"
)

// Feed names.
const (
	FeedMessages     = "messages"
	FeedPresence     = "presence"
	FeedReadReceipts = "read_receipts"
)

// Bus topics of the feeds.
const (
	TopicMessages     = "global:messages"
	TopicPresence     = "global:presence"
	TopicReadReceipts = "message_reads"

	tableMessages     = "messages"
	tableMessageReads = "message_reads"

	profileLookupTimeout = 5 * time.Second
)

// State is the lifecycle of a feed subscription.
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateActive       State = "active"
)

// RoomSource exposes what routing depends on.
type RoomSource interface {
	ActiveRoomID() string
	LocalUserID() string
}

// ProfileLookup resolves the author of an inbound message.
type ProfileLookup interface {
	FetchProfile(ctx context.Context, userID string) (*dto.ProfileRecord, error)
}

type feedSub struct {
	name    string
	channel backend.Channel
	state   State
}

// Router keeps at most one live subscription per feed.
type Router struct {
	bus      backend.RealtimeBus
	profiles ProfileLookup
	logger   zerolog.Logger

	mu    sync.Mutex
	feeds map[string]*feedSub
	// locks serialise subscribe and teardown per feed so a replaced
	// subscription is always unsubscribed.
	locks map[string]*sync.Mutex
}

// NewRouter constructs a router. profiles may be nil.
func NewRouter(bus backend.RealtimeBus, profiles ProfileLookup, logger zerolog.Logger) *Router {
	return &Router{
		bus:      bus,
		profiles: profiles,
		logger:   logger.With().Str("component", "realtime_router").Logger(),
		feeds:    make(map[string]*feedSub),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *Router) feedLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[name] = lock
	}
	return lock
}

// State reports the lifecycle state of a feed.
func (r *Router) State(feed string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.feeds[feed]; ok {
		return sub.state
	}
	return StateUnsubscribed
}

// SubscribeMessages subscribes to the message change feed. Routing decisions
// read rooms at delivery time.
func (r *Router) SubscribeMessages(ctx context.Context, rooms RoomSource, sink Sink) (func(), error) {
	return r.subscribe(ctx, FeedMessages, TopicMessages, backend.ChannelConfig{}, func(ch backend.Channel, live func() bool) {
		ch.OnChange(backend.ChangeFilter{Event: backend.ChangeAll, Table: tableMessages}, func(evt backend.ChangeEvent) {
			if live() {
				r.routeMessage(rooms, sink, evt)
			}
		})
	}, nil)
}

// SubscribeReadReceipts subscribes to the read-marker change feed.
func (r *Router) SubscribeReadReceipts(ctx context.Context, sink Sink) (func(), error) {
	return r.subscribe(ctx, FeedReadReceipts, TopicReadReceipts, backend.ChannelConfig{}, func(ch backend.Channel, live func() bool) {
		ch.OnChange(backend.ChangeFilter{Event: backend.ChangeAll, Table: tableMessageReads}, func(evt backend.ChangeEvent) {
			if live() {
				r.routeReceipt(sink, evt)
			}
		})
	}, nil)
}

// SubscribePresence joins the presence feed as key. Once the subscription is
// acknowledged, the payload returned by announce is tracked.
func (r *Router) SubscribePresence(ctx context.Context, key string, sink Sink, announce func() any) (func(), error) {
	return r.subscribe(ctx, FeedPresence, TopicPresence, backend.ChannelConfig{PresenceKey: key}, func(ch backend.Channel, live func() bool) {
		ch.OnPresence(backend.PresenceSync, func(backend.PresenceEvent) {
			if live() {
				sink(OnlineSynced{UserIDs: presenceKeys(ch.PresenceState())})
			}
		})
		ch.OnPresence(backend.PresenceJoin, func(evt backend.PresenceEvent) {
			if live() && evt.Key != "" {
				sink(UserJoined{UserID: evt.Key})
			}
		})
		ch.OnPresence(backend.PresenceLeave, func(evt backend.PresenceEvent) {
			if live() && evt.Key != "" {
				sink(UserLeft{UserID: evt.Key})
			}
		})
	}, func(ch backend.Channel) {
		if announce == nil {
			return
		}
		trackCtx, cancel := context.WithTimeout(context.Background(), profileLookupTimeout)
		defer cancel()
		if err := ch.Track(trackCtx, announce()); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to announce presence")
		}
	})
}

// Close tears down every feed.
func (r *Router) Close() {
	r.mu.Lock()
	subs := make([]*feedSub, 0, len(r.feeds))
	for _, sub := range r.feeds {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		lock := r.feedLock(sub.name)
		lock.Lock()
		r.teardown(sub)
		lock.Unlock()
	}
}

func (r *Router) subscribe(ctx context.Context, name, topic string, cfg backend.ChannelConfig, bind func(backend.Channel, func() bool), onActive func(backend.Channel)) (func(), error) {
	lock := r.feedLock(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	previous := r.feeds[name]
	r.mu.Unlock()
	if previous != nil {
		r.teardown(previous)
	}

	ch := r.bus.Channel(topic, cfg)
	sub := &feedSub{name: name, channel: ch, state: StateSubscribing}
	live := func() bool { return r.isCurrent(sub) }
	bind(ch, live)

	r.mu.Lock()
	r.feeds[name] = sub
	r.mu.Unlock()

	err := ch.Subscribe(ctx, func(status backend.SubscribeStatus, err error) {
		r.mu.Lock()
		current := r.feeds[name] == sub
		if current {
			switch status {
			case backend.StatusSubscribed:
				sub.state = StateActive
			case backend.StatusChannelError, backend.StatusClosed:
				sub.state = StateUnsubscribed
			}
		}
		r.mu.Unlock()

		switch status {
		case backend.StatusSubscribed:
			r.logger.Debug().Str("feed", name).Msg("feed subscribed")
			if current && onActive != nil {
				onActive(ch)
			}
		case backend.StatusChannelError:
			r.logger.Warn().Err(err).Str("feed", name).Msg("feed channel error")
		}
	})
	if err != nil {
		r.mu.Lock()
		if r.feeds[name] == sub {
			delete(r.feeds, name)
		}
		r.mu.Unlock()
		return nil, err
	}

	return func() {
		lock.Lock()
		defer lock.Unlock()
		r.teardown(sub)
	}, nil
}

func (r *Router) isCurrent(sub *feedSub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds[sub.name] == sub
}

func (r *Router) teardown(sub *feedSub) {
	r.mu.Lock()
	if r.feeds[sub.name] == sub {
		delete(r.feeds, sub.name)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), profileLookupTimeout)
	defer cancel()
	if err := sub.channel.Unsubscribe(ctx); err != nil {
		r.logger.Warn().Err(err).Str("feed", sub.name).Msg("failed to unsubscribe feed")
	}
}

func (r *Router) routeMessage(rooms RoomSource, sink Sink, evt backend.ChangeEvent) {
	active := rooms.ActiveRoomID()

	switch evt.Type {
	case backend.ChangeInsert:
		var record dto.MessageRecord
		if !r.decode(evt.New, &record) || record.ID == "" {
			return
		}
		if record.RoomID != "" && record.RoomID == active {
			r.attachProfile(&record)
			sink(MessageUpserted{RoomID: record.RoomID, Message: codec.NormalizeInboundMessage(record)})
			return
		}
		if record.RoomID == "" {
			return
		}
		if local := rooms.LocalUserID(); local != "" && record.UserID != nil && *record.UserID == local {
			return
		}
		sink(UnreadIncremented{RoomID: record.RoomID})

	case backend.ChangeDelete:
		raw := evt.Old
		if len(raw) == 0 {
			raw = evt.New
		}
		var record dto.MessageRecord
		if !r.decode(raw, &record) || record.ID == "" {
			return
		}
		if record.RoomID == "" || record.RoomID == active {
			sink(MessageRemoved{RoomID: record.RoomID, ID: record.ID})
		}

	case backend.ChangeUpdate:
		var record dto.MessageRecord
		if !r.decode(evt.New, &record) || record.ID == "" {
			return
		}
		if active != "" && record.RoomID == active {
			sink(MessageContentChanged{RoomID: record.RoomID, ID: record.ID, Content: codec.DecodeEntities(record.Content)})
		}
	}
}

func (r *Router) routeReceipt(sink Sink, evt backend.ChangeEvent) {
	raw := evt.New
	if len(raw) == 0 {
		raw = evt.Old
	}
	var record dto.ReadRecord
	if !r.decode(raw, &record) || record.MessageID == "" || record.UserID == "" {
		return
	}

	switch evt.Type {
	case backend.ChangeInsert:
		sink(ReceiptAdded{MessageID: record.MessageID, UserID: record.UserID})
	case backend.ChangeDelete:
		sink(ReceiptRemoved{MessageID: record.MessageID, UserID: record.UserID})
	}
}

// attachProfile joins the author's profile onto record. Lookup failures keep
// the embedded username.
func (r *Router) attachProfile(record *dto.MessageRecord) {
	if r.profiles == nil || record.UserID == nil || *record.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), profileLookupTimeout)
	defer cancel()

	profile, err := r.profiles.FetchProfile(ctx, *record.UserID)
	if err != nil {
		r.logger.Debug().Err(err).Str("user_id", *record.UserID).Msg("author profile lookup failed")
		return
	}
	if profile != nil {
		record.Profile = profile
	}
}

func (r *Router) decode(raw json.RawMessage, dest interface{}) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		r.logger.Warn().Err(err).Msg("invalid change payload")
		return false
	}
	return true
}

func presenceKeys(state map[string][]json.RawMessage) []string {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
