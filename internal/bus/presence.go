package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore holds the presence entries of every topic. Each tracked
// connection is one entry (topic, key, ref) that expires unless refreshed.
type PresenceStore interface {
	Track(ctx context.Context, topic, key, ref string, payload json.RawMessage, ttl time.Duration) error
	Untrack(ctx context.Context, topic, key, ref string) error
	List(ctx context.Context, topic string) (map[string][]json.RawMessage, error)
}

// RedisPresenceStore keeps presence entries as Redis strings with a TTL.
type RedisPresenceStore struct {
	client *redis.Client
}

// NewRedisPresenceStore wraps a connected Redis client.
func NewRedisPresenceStore(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client}
}

func (s *RedisPresenceStore) Track(ctx context.Context, topic, key, ref string, payload json.RawMessage, ttl time.Duration) error {
	if err := s.client.Set(ctx, presenceKey(topic, key, ref), []byte(payload), ttl).Err(); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) Untrack(ctx context.Context, topic, key, ref string) error {
	if err := s.client.Del(ctx, presenceKey(topic, key, ref)).Err(); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) List(ctx context.Context, topic string) (map[string][]json.RawMessage, error) {
	prefix := presencePrefix(topic)

	var names []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}

	state := make(map[string][]json.RawMessage)
	if len(names) == 0 {
		return state, nil
	}
	sort.Strings(names)

	values, err := s.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		key, ok := parsePresenceKey(prefix, names[i])
		if !ok {
			continue
		}
		state[key] = append(state[key], json.RawMessage(raw))
	}
	return state, nil
}

func presencePrefix(topic string) string {
	return "presence:" + topic + ":"
}

func presenceKey(topic, key, ref string) string {
	return presencePrefix(topic) + key + ":" + ref
}

// parsePresenceKey returns the presence key of a stored entry name. The ref
// is the last segment, so keys may themselves contain colons.
func parsePresenceKey(prefix, name string) (string, bool) {
	rest := strings.TrimPrefix(name, prefix)
	if rest == name {
		return "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}
