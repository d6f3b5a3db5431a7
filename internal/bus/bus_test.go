package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/backend"
)

type eventLog struct {
	mu       sync.Mutex
	changes  []backend.ChangeEvent
	presence []backend.PresenceEvent
	statuses []backend.SubscribeStatus
}

func (l *eventLog) change(evt backend.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, evt)
}

func (l *eventLog) presenceEvent(evt backend.PresenceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.presence = append(l.presence, evt)
}

func (l *eventLog) status(status backend.SubscribeStatus, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *eventLog) changeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

func (l *eventLog) hasStatus(status backend.SubscribeStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (l *eventLog) hasPresence(kind backend.PresenceEventType, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range l.presence {
		if evt.Type == kind && evt.Key == key {
			return true
		}
	}
	return false
}

func newRedisBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(NewRedisTransport(client, zerolog.Nop()), NewRedisPresenceStore(client), Options{PresenceTTL: 30 * time.Second}, zerolog.Nop()), mr
}

func newMemoryBus(t *testing.T) (*Bus, *MemoryPresenceStore) {
	t.Helper()
	transport := NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	store := NewMemoryPresenceStore()
	return New(transport, store, Options{PresenceTTL: 300 * time.Millisecond}, zerolog.Nop()), store
}

func TestBusDeliversFilteredChanges(t *testing.T) {
	for name, build := range map[string]func(t *testing.T) *Bus{
		"redis":  func(t *testing.T) *Bus { b, _ := newRedisBus(t); return b },
		"memory": func(t *testing.T) *Bus { b, _ := newMemoryBus(t); return b },
	} {
		t.Run(name, func(t *testing.T) {
			b := build(t)
			ctx := context.Background()
			log := &eventLog{}

			ch := b.Channel("messages", backend.ChannelConfig{}).
				OnChange(backend.ChangeFilter{Event: backend.ChangeAll, Table: "messages"}, log.change)
			require.NoError(t, ch.Subscribe(ctx, log.status))
			require.Eventually(t, func() bool { return log.hasStatus(backend.StatusSubscribed) }, time.Second, 10*time.Millisecond)

			require.NoError(t, b.PublishChange(ctx, backend.ChangeEvent{Type: backend.ChangeInsert, Table: "message_reads"}))
			for i, id := range []string{"m1", "m2", "m3"} {
				row, _ := json.Marshal(map[string]string{"id": id})
				kind := backend.ChangeInsert
				if i == 2 {
					kind = backend.ChangeDelete
				}
				require.NoError(t, b.PublishChange(ctx, backend.ChangeEvent{Type: kind, Table: "messages", New: row}))
			}

			require.Eventually(t, func() bool { return log.changeCount() == 3 }, time.Second, 10*time.Millisecond)
			log.mu.Lock()
			ids := make([]string, 0, 3)
			for _, evt := range log.changes {
				var row map[string]string
				require.NoError(t, json.Unmarshal(evt.New, &row))
				ids = append(ids, row["id"])
			}
			log.mu.Unlock()
			require.Equal(t, []string{"m1", "m2", "m3"}, ids, "events keep publish order")

			require.NoError(t, ch.Unsubscribe(ctx))
			require.True(t, log.hasStatus(backend.StatusClosed))
			require.NoError(t, b.PublishChange(ctx, backend.ChangeEvent{Type: backend.ChangeInsert, Table: "messages", New: json.RawMessage(`{"id":"late"}`)}))
			time.Sleep(50 * time.Millisecond)
			require.Equal(t, 3, log.changeCount())
		})
	}
}

func TestBusSubscribeTwiceFails(t *testing.T) {
	b, _ := newMemoryBus(t)
	ch := b.Channel("messages", backend.ChannelConfig{}).OnChange(backend.ChangeFilter{Table: "messages"}, func(backend.ChangeEvent) {})
	require.NoError(t, ch.Subscribe(context.Background(), nil))
	require.ErrorIs(t, ch.Subscribe(context.Background(), nil), ErrAlreadySubscribed)
	require.NoError(t, ch.Unsubscribe(context.Background()))
	require.NoError(t, ch.Unsubscribe(context.Background()))
}

func TestBusTrackRequiresSubscriptionAndKey(t *testing.T) {
	b, _ := newMemoryBus(t)
	ctx := context.Background()

	keyless := b.Channel("presence", backend.ChannelConfig{})
	require.ErrorIs(t, keyless.Track(ctx, map[string]string{"user_id": "u1"}), ErrNoPresenceKey)

	keyed := b.Channel("presence", backend.ChannelConfig{PresenceKey: "u1"})
	require.ErrorIs(t, keyed.Track(ctx, map[string]string{"user_id": "u1"}), ErrNotSubscribed)
}

func TestBusPresenceJoinLeaveSync(t *testing.T) {
	b, _ := newRedisBus(t)
	ctx := context.Background()

	aliceLog := &eventLog{}
	alice := b.Channel("presence", backend.ChannelConfig{PresenceKey: "alice"}).
		OnPresence(backend.PresenceSync, aliceLog.presenceEvent).
		OnPresence(backend.PresenceJoin, aliceLog.presenceEvent).
		OnPresence(backend.PresenceLeave, aliceLog.presenceEvent)
	require.NoError(t, alice.Subscribe(ctx, aliceLog.status))
	require.Eventually(t, func() bool { return aliceLog.hasStatus(backend.StatusSubscribed) }, time.Second, 10*time.Millisecond)
	require.NoError(t, alice.Track(ctx, map[string]string{"user_id": "alice"}))

	bob := b.Channel("presence", backend.ChannelConfig{PresenceKey: "bob"})
	require.NoError(t, bob.Subscribe(ctx, nil))
	require.NoError(t, bob.Track(ctx, map[string]string{"user_id": "bob"}))

	require.Eventually(t, func() bool { return aliceLog.hasPresence(backend.PresenceJoin, "bob") }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		state := alice.PresenceState()
		_, hasAlice := state["alice"]
		_, hasBob := state["bob"]
		return hasAlice && hasBob
	}, time.Second, 10*time.Millisecond)
	require.True(t, aliceLog.hasPresence(backend.PresenceJoin, "alice"))
	require.True(t, aliceLog.hasPresence(backend.PresenceSync, ""))

	require.NoError(t, bob.Unsubscribe(ctx))
	require.Eventually(t, func() bool { return aliceLog.hasPresence(backend.PresenceLeave, "bob") }, time.Second, 10*time.Millisecond)
	_, stillThere := alice.PresenceState()["bob"]
	require.False(t, stillThere)

	require.NoError(t, alice.Unsubscribe(ctx))
	require.Empty(t, alice.PresenceState())
}

func TestBusPresenceExpiresWithoutHeartbeat(t *testing.T) {
	b, store := newMemoryBus(t)
	ctx := context.Background()

	// an entry from a client that died without unsubscribing
	require.NoError(t, store.Track(ctx, "presence", "ghost", "ref-1", json.RawMessage(`{"user_id":"ghost"}`), 100*time.Millisecond))

	log := &eventLog{}
	watcher := b.Channel("presence", backend.ChannelConfig{}).
		OnPresence(backend.PresenceJoin, log.presenceEvent).
		OnPresence(backend.PresenceLeave, log.presenceEvent)
	require.NoError(t, watcher.Subscribe(ctx, nil))
	t.Cleanup(func() { _ = watcher.Unsubscribe(ctx) })

	require.Eventually(t, func() bool { return log.hasPresence(backend.PresenceJoin, "ghost") }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return log.hasPresence(backend.PresenceLeave, "ghost") }, 2*time.Second, 20*time.Millisecond)
}

func TestRedisPresenceStoreList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisPresenceStore(client)
	ctx := context.Background()

	require.NoError(t, store.Track(ctx, "presence", "u1", "a", json.RawMessage(`{"tab":1}`), time.Minute))
	require.NoError(t, store.Track(ctx, "presence", "u1", "b", json.RawMessage(`{"tab":2}`), time.Minute))
	require.NoError(t, store.Track(ctx, "presence", "u2", "c", json.RawMessage(`{}`), time.Second))
	require.NoError(t, store.Track(ctx, "other", "u3", "d", json.RawMessage(`{}`), time.Minute))

	state, err := store.List(ctx, "presence")
	require.NoError(t, err)
	require.Len(t, state, 2)
	require.Len(t, state["u1"], 2)

	mr.FastForward(2 * time.Second)
	state, err = store.List(ctx, "presence")
	require.NoError(t, err)
	require.Len(t, state, 1)

	require.NoError(t, store.Untrack(ctx, "presence", "u1", "a"))
	state, err = store.List(ctx, "presence")
	require.NoError(t, err)
	require.Len(t, state["u1"], 1)
}

func TestParsePresenceKey(t *testing.T) {
	prefix := presencePrefix("presence")
	key, ok := parsePresenceKey(prefix, presenceKey("presence", "user:with:colons", "ref"))
	require.True(t, ok)
	require.Equal(t, "user:with:colons", key)

	_, ok = parsePresenceKey(prefix, "presence:other:u1:ref")
	require.False(t, ok)
}
