package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("bus transport closed")

// Transport moves opaque payloads between processes. Handlers registered by
// one Subscribe call are invoked sequentially, in publish order.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, handler func([]byte)) (unsubscribe func() error, err error)
}

// RedisTransport carries events over Redis pub/sub.
type RedisTransport struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisTransport wraps a connected Redis client.
func NewRedisTransport(client *redis.Client, logger zerolog.Logger) *RedisTransport {
	return &RedisTransport{client: client, logger: logger.With().Str("component", "bus_redis").Logger()}
}

func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := t.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", subject, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, subject string, handler func([]byte)) (func() error, error) {
	pubsub := t.client.Subscribe(ctx, subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := pubsub.ReceiveMessage(consumeCtx)
			if err != nil {
				if consumeCtx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
					t.logger.Error().Err(err).Str("subject", subject).Msg("redis subscription closed")
				}
				return
			}
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			cancel()
			err = pubsub.Close()
			<-done
		})
		return err
	}, nil
}

// NATSTransport carries events over core NATS subjects.
type NATSTransport struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSTransport wraps a connected NATS client.
func NewNATSTransport(conn *nats.Conn, logger zerolog.Logger) *NATSTransport {
	return &NATSTransport{conn: conn, logger: logger.With().Str("component", "bus_nats").Logger()}
}

func (t *NATSTransport) Publish(_ context.Context, subject string, payload []byte) error {
	if t.conn.IsClosed() {
		return ErrTransportClosed
	}
	if err := t.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(_ context.Context, subject string, handler func([]byte)) (func() error, error) {
	if t.conn.IsClosed() {
		return nil, ErrTransportClosed
	}
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush %s: %w", subject, err)
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			if t.conn.IsClosed() {
				return
			}
			err = sub.Unsubscribe()
		})
		return err
	}, nil
}
