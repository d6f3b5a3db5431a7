package service

import "sync"

// snapshotBroker fans state snapshots out to subscribers. Each subscriber
// holds at most one pending snapshot; a slow reader only ever sees the latest.
type snapshotBroker[T any] struct {
	mu          sync.Mutex
	subscribers map[chan T]struct{}
}

func newSnapshotBroker[T any]() *snapshotBroker[T] {
	return &snapshotBroker[T]{subscribers: make(map[chan T]struct{})}
}

func (b *snapshotBroker[T]) subscribe(current func() T) (<-chan T, func()) {
	ch := make(chan T, 1)

	b.mu.Lock()
	ch <- current()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
		})
	}
}

// publish computes the snapshot under the broker lock so subscribers never
// observe an older snapshot after a newer one.
func (b *snapshotBroker[T]) publish(current func() T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribers) == 0 {
		return
	}

	snapshot := current()
	for ch := range b.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (b *snapshotBroker[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}
