package bus

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryTransport delivers events between channels of one process. Each
// subscription owns a queue drained by a single goroutine.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

type memorySubscription struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewMemoryTransport returns an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (t *MemoryTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}

	for sub := range t.subs[subject] {
		data := append([]byte(nil), payload...)
		select {
		case sub.queue <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, subject string, handler func([]byte)) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	sub := &memorySubscription{queue: make(chan []byte, 256), done: make(chan struct{})}
	if t.subs[subject] == nil {
		t.subs[subject] = make(map[*memorySubscription]struct{})
	}
	t.subs[subject][sub] = struct{}{}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case payload := <-sub.queue:
				handler(payload)
			}
		}
	}()

	return func() error {
		sub.once.Do(func() {
			t.mu.Lock()
			delete(t.subs[subject], sub)
			if len(t.subs[subject]) == 0 {
				delete(t.subs, subject)
			}
			t.mu.Unlock()
			close(sub.done)
		})
		return nil
	}, nil
}

// Close stops every subscription.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, subs := range t.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.done) })
		}
	}
	t.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

// MemoryPresenceStore keeps presence entries in process memory with expiry.
type MemoryPresenceStore struct {
	mu      sync.Mutex
	entries map[string]memoryPresenceEntry
	now     func() time.Time
}

type memoryPresenceEntry struct {
	payload json.RawMessage
	expires time.Time
}

// NewMemoryPresenceStore returns an empty store.
func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{entries: make(map[string]memoryPresenceEntry), now: time.Now}
}

func (s *MemoryPresenceStore) Track(_ context.Context, topic, key, ref string, payload json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[presenceKey(topic, key, ref)] = memoryPresenceEntry{payload: payload, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryPresenceStore) Untrack(_ context.Context, topic, key, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, presenceKey(topic, key, ref))
	return nil
}

func (s *MemoryPresenceStore) List(_ context.Context, topic string) (map[string][]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := presencePrefix(topic)
	now := s.now()
	names := make([]string, 0, len(s.entries))
	for name, entry := range s.entries {
		if !entry.expires.After(now) {
			delete(s.entries, name)
			continue
		}
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	state := make(map[string][]json.RawMessage)
	for _, name := range names {
		key, ok := parsePresenceKey(prefix, name)
		if !ok {
			continue
		}
		state[key] = append(state[key], s.entries[name].payload)
	}
	return state, nil
}
