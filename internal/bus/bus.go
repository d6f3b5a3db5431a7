// Package bus implements the realtime bus: a change feed fed by datastore
// writes and per-topic presence, carried over Redis, NATS or memory.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/observability"
)

const (
	changesSubject      = "chat.changes"
	presenceSubjectBase = "chat.presence."
	dispatchBufferSize  = 256
	defaultPresenceTTL  = 30 * time.Second
)

var (
	// ErrAlreadySubscribed is returned by a second Subscribe on the same channel.
	ErrAlreadySubscribed = errors.New("channel already subscribed")
	// ErrNotSubscribed is returned by Track before Subscribe.
	ErrNotSubscribed = errors.New("channel not subscribed")
	// ErrNoPresenceKey is returned by Track on a channel configured without a presence key.
	ErrNoPresenceKey = errors.New("channel has no presence key")
)

// Options tune a Bus.
type Options struct {
	// PresenceTTL is how long a tracked entry survives without a heartbeat.
	PresenceTTL time.Duration
}

// Bus hands out realtime channels and publishes datastore changes.
type Bus struct {
	transport   Transport
	presence    PresenceStore
	presenceTTL time.Duration
	logger      zerolog.Logger
}

var _ backend.RealtimeBus = (*Bus)(nil)

// New constructs a bus. presence may be nil when no channel tracks presence.
func New(transport Transport, presence PresenceStore, opts Options, logger zerolog.Logger) *Bus {
	ttl := opts.PresenceTTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	if presence == nil {
		presence = NewMemoryPresenceStore()
	}
	return &Bus{
		transport:   transport,
		presence:    presence,
		presenceTTL: ttl,
		logger:      logger.With().Str("component", "realtime_bus").Logger(),
	}
}

// PublishChange fans a committed row change out to every channel listening
// on the change feed.
func (b *Bus) PublishChange(ctx context.Context, event backend.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	return b.transport.Publish(ctx, changesSubject, payload)
}

// Channel returns a new unsubscribed channel for topic.
func (b *Bus) Channel(topic string, cfg backend.ChannelConfig) backend.Channel {
	return &channel{
		bus:              b,
		topic:            topic,
		cfg:              cfg,
		ref:              uuid.NewString(),
		presenceHandlers: make(map[backend.PresenceEventType][]func(backend.PresenceEvent)),
		state:            make(map[string][]json.RawMessage),
		logger:           b.logger.With().Str("topic", topic).Logger(),
	}
}

type changeBinding struct {
	filter  backend.ChangeFilter
	handler func(backend.ChangeEvent)
}

type presenceSignal struct {
	Key string `json:"key"`
	Ref string `json:"ref"`
}

type channel struct {
	bus    *Bus
	topic  string
	cfg    backend.ChannelConfig
	ref    string
	logger zerolog.Logger

	mu               sync.Mutex
	changeHandlers   []changeBinding
	presenceHandlers map[backend.PresenceEventType][]func(backend.PresenceEvent)
	state            map[string][]json.RawMessage
	tracked          json.RawMessage
	subscribed       bool
	closed           bool
	onStatus         func(backend.SubscribeStatus, error)
	unsubscribers    []func() error
	queue            chan func()
	cancel           context.CancelFunc
	runCtx           context.Context
}

func (c *channel) Topic() string { return c.topic }

func (c *channel) OnChange(filter backend.ChangeFilter, handler func(backend.ChangeEvent)) backend.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeHandlers = append(c.changeHandlers, changeBinding{filter: filter, handler: handler})
	return c
}

func (c *channel) OnPresence(event backend.PresenceEventType, handler func(backend.PresenceEvent)) backend.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceHandlers[event] = append(c.presenceHandlers[event], handler)
	return c
}

func (c *channel) watchesPresence() bool {
	return len(c.presenceHandlers) > 0 || c.cfg.PresenceKey != ""
}

// Subscribe attaches the channel to the transport. Status callbacks and event
// handlers run on the channel's dispatch goroutine, one at a time.
func (c *channel) Subscribe(ctx context.Context, onStatus func(backend.SubscribeStatus, error)) error {
	c.mu.Lock()
	if c.subscribed || c.closed {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.subscribed = true
	c.onStatus = onStatus
	queue := make(chan func(), dispatchBufferSize)
	runCtx, cancel := context.WithCancel(context.Background())
	c.queue, c.runCtx, c.cancel = queue, runCtx, cancel
	wantsChanges := len(c.changeHandlers) > 0
	wantsPresence := c.watchesPresence()
	c.mu.Unlock()

	go c.dispatch(runCtx, queue)

	var unsubscribers []func() error
	fail := func(err error) error {
		for _, unsubscribe := range unsubscribers {
			_ = unsubscribe()
		}
		cancel()
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("channel subscribe failed")
		if onStatus != nil {
			onStatus(backend.StatusChannelError, err)
		}
		return err
	}

	if wantsChanges {
		unsubscribe, err := c.bus.transport.Subscribe(ctx, changesSubject, func(payload []byte) {
			c.enqueue(func() { c.handleChange(payload) })
		})
		if err != nil {
			return fail(err)
		}
		unsubscribers = append(unsubscribers, unsubscribe)
	}

	if wantsPresence {
		unsubscribe, err := c.bus.transport.Subscribe(ctx, presenceSubjectBase+c.topic, func([]byte) {
			c.enqueue(c.refreshPresence)
		})
		if err != nil {
			return fail(err)
		}
		unsubscribers = append(unsubscribers, unsubscribe)
		go c.heartbeat(runCtx)
	}

	c.mu.Lock()
	c.unsubscribers = unsubscribers
	c.mu.Unlock()

	if wantsPresence {
		c.enqueue(c.refreshPresence)
	}
	c.enqueue(func() {
		if onStatus != nil {
			onStatus(backend.StatusSubscribed, nil)
		}
	})
	return nil
}

// Track publishes payload as this client's presence entry under the
// configured presence key and keeps it alive until Unsubscribe.
func (c *channel) Track(ctx context.Context, payload any) error {
	if c.cfg.PresenceKey == "" {
		return ErrNoPresenceKey
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode presence payload: %w", err)
	}

	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.tracked = raw
	c.mu.Unlock()

	if err := c.bus.presence.Track(ctx, c.topic, c.cfg.PresenceKey, c.ref, raw, c.bus.presenceTTL); err != nil {
		return err
	}
	return c.signalPresence(ctx)
}

// PresenceState returns the last synced presence state, keyed by presence key.
func (c *channel) PresenceState() map[string][]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]json.RawMessage, len(c.state))
	for key, metas := range c.state {
		out[key] = append([]json.RawMessage(nil), metas...)
	}
	return out
}

// Unsubscribe detaches the channel. A tracked presence entry is removed and
// the other subscribers are told to resync.
func (c *channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasSubscribed := c.subscribed
	c.subscribed = false
	tracked := c.tracked != nil
	c.tracked = nil
	unsubscribers := c.unsubscribers
	c.unsubscribers = nil
	cancel := c.cancel
	onStatus := c.onStatus
	c.state = make(map[string][]json.RawMessage)
	c.mu.Unlock()

	if !wasSubscribed {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	var errs []error
	for _, unsubscribe := range unsubscribers {
		if err := unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if tracked {
		if err := c.bus.presence.Untrack(ctx, c.topic, c.cfg.PresenceKey, c.ref); err != nil {
			errs = append(errs, err)
		}
		if err := c.signalPresence(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if onStatus != nil {
		onStatus(backend.StatusClosed, nil)
	}
	return errors.Join(errs...)
}

func (c *channel) enqueue(fn func()) {
	c.mu.Lock()
	ctx, queue := c.runCtx, c.queue
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	select {
	case queue <- fn:
	case <-ctx.Done():
	}
}

func (c *channel) dispatch(ctx context.Context, queue <-chan func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-queue:
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

func (c *channel) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.bus.presenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			tracked := c.tracked
			c.mu.Unlock()
			if tracked != nil {
				if err := c.bus.presence.Track(ctx, c.topic, c.cfg.PresenceKey, c.ref, tracked, c.bus.presenceTTL); err != nil {
					c.logger.Warn().Err(err).Msg("presence heartbeat failed")
				}
			}
			c.enqueue(c.refreshPresence)
		}
	}
}

func (c *channel) signalPresence(ctx context.Context) error {
	payload, err := json.Marshal(presenceSignal{Key: c.cfg.PresenceKey, Ref: c.ref})
	if err != nil {
		return err
	}
	return c.bus.transport.Publish(ctx, presenceSubjectBase+c.topic, payload)
}

func (c *channel) handleChange(payload []byte) {
	var event backend.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.Warn().Err(err).Msg("invalid change event")
		return
	}

	c.mu.Lock()
	bindings := append([]changeBinding(nil), c.changeHandlers...)
	c.mu.Unlock()

	matched := false
	for _, binding := range bindings {
		if binding.filter.Matches(event) {
			matched = true
			binding.handler(event)
		}
	}
	if matched {
		observability.RealtimeEvents().WithLabelValues(c.topic, string(event.Type)).Inc()
	}
}

// refreshPresence reloads the topic state, emits join and leave events for
// the keys that appeared or vanished, then a sync event.
func (c *channel) refreshPresence() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next, err := c.bus.presence.List(ctx, c.topic)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load presence state")
		return
	}

	c.mu.Lock()
	previous := c.state
	c.state = next
	handlers := make(map[backend.PresenceEventType][]func(backend.PresenceEvent), len(c.presenceHandlers))
	for kind, list := range c.presenceHandlers {
		handlers[kind] = append([]func(backend.PresenceEvent){}, list...)
	}
	c.mu.Unlock()

	for _, key := range sortedKeys(next) {
		if _, ok := previous[key]; !ok {
			c.emitPresence(handlers, backend.PresenceEvent{Type: backend.PresenceJoin, Key: key, Payload: firstMeta(next[key])})
		}
	}
	for _, key := range sortedKeys(previous) {
		if _, ok := next[key]; !ok {
			c.emitPresence(handlers, backend.PresenceEvent{Type: backend.PresenceLeave, Key: key, Payload: firstMeta(previous[key])})
		}
	}
	c.emitPresence(handlers, backend.PresenceEvent{Type: backend.PresenceSync})
}

func (c *channel) emitPresence(handlers map[backend.PresenceEventType][]func(backend.PresenceEvent), event backend.PresenceEvent) {
	list := handlers[event.Type]
	if len(list) == 0 {
		return
	}
	observability.RealtimeEvents().WithLabelValues(c.topic, string(event.Type)).Inc()
	for _, handler := range list {
		handler(event)
	}
}

func sortedKeys(state map[string][]json.RawMessage) []string {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func firstMeta(metas []json.RawMessage) json.RawMessage {
	if len(metas) == 0 {
		return nil
	}
	return metas[0]
}
