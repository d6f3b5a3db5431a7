package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/realtime"
)

// PresenceGateway loads the user directory.
type PresenceGateway interface {
	Configured() bool
	FetchUsers(ctx context.Context) ([]dto.User, error)
}

// PresenceFeed opens the presence feed.
type PresenceFeed interface {
	SubscribePresence(ctx context.Context, key string, sink realtime.Sink, announce func() any) (func(), error)
}

// PresenceService owns the user directory and the online set. The online set
// is derived only from presence feed events.
type PresenceService interface {
	FetchUsers(ctx context.Context)
	SubscribeToPresence(ctx context.Context, identity backend.Identity) error
	Unsubscribe()
	Apply(evt realtime.Event)
	IsOnline(userID string) bool
	Snapshot() dto.PresenceSnapshot
	Subscribe() (<-chan dto.PresenceSnapshot, func())
}

type presenceMarker struct {
	UserID   string `json:"user_id"`
	OnlineAt string `json:"online_at"`
}

type presenceService struct {
	gateway PresenceGateway
	feed    PresenceFeed
	logger  zerolog.Logger
	now     func() time.Time
	broker  *snapshotBroker[dto.PresenceSnapshot]

	mu       sync.Mutex
	users    []dto.User
	online   map[string]struct{}
	loading  bool
	teardown func()
}

// NewPresenceService constructs the presence state container. feed may be nil.
func NewPresenceService(gw PresenceGateway, feed PresenceFeed, logger zerolog.Logger) PresenceService {
	return &presenceService{
		gateway: gw,
		feed:    feed,
		logger:  logger.With().Str("component", "presence_service").Logger(),
		now:     time.Now,
		broker:  newSnapshotBroker[dto.PresenceSnapshot](),
		users:   []dto.User{},
		online:  make(map[string]struct{}),
	}
}

// FetchUsers reloads the directory. A failure keeps the previous directory.
func (s *presenceService) FetchUsers(ctx context.Context) {
	if !s.gateway.Configured() {
		return
	}

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.notify()

	users, err := s.gateway.FetchUsers(ctx)

	s.mu.Lock()
	s.loading = false
	if err == nil {
		s.users = users
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to fetch users")
	}
	s.notify()
}

// SubscribeToPresence joins the presence feed as identity, replacing any
// previous subscription. The local user is announced once the feed is live.
func (s *presenceService) SubscribeToPresence(ctx context.Context, identity backend.Identity) error {
	if s.feed == nil || identity.ID == "" || !s.gateway.Configured() {
		return nil
	}
	s.Unsubscribe()

	teardown, err := s.feed.SubscribePresence(ctx, identity.ID, s.Apply, func() any {
		return presenceMarker{UserID: identity.ID, OnlineAt: s.now().UTC().Format(time.RFC3339)}
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", identity.ID).Msg("failed to subscribe to presence")
		return err
	}

	s.mu.Lock()
	s.teardown = teardown
	s.mu.Unlock()
	return nil
}

// Unsubscribe leaves the presence feed and clears the online set.
func (s *presenceService) Unsubscribe() {
	s.mu.Lock()
	teardown := s.teardown
	s.teardown = nil
	hadOnline := len(s.online) > 0
	s.online = make(map[string]struct{})
	s.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	if hadOnline {
		observability.OnlineUsers().Set(0)
		s.notify()
	}
}

// Apply folds a presence event into the online set. Events that would not
// change the set produce no notification.
func (s *presenceService) Apply(evt realtime.Event) {
	s.mu.Lock()
	changed := false
	switch e := evt.(type) {
	case realtime.OnlineSynced:
		next := make(map[string]struct{}, len(e.UserIDs))
		for _, id := range e.UserIDs {
			next[id] = struct{}{}
		}
		if !sameSet(s.online, next) {
			s.online = next
			changed = true
		}
	case realtime.UserJoined:
		if _, ok := s.online[e.UserID]; !ok {
			s.online[e.UserID] = struct{}{}
			changed = true
		}
	case realtime.UserLeft:
		if _, ok := s.online[e.UserID]; ok {
			delete(s.online, e.UserID)
			changed = true
		}
	}
	count := len(s.online)
	s.mu.Unlock()

	if changed {
		observability.OnlineUsers().Set(float64(count))
		s.notify()
	}
}

func (s *presenceService) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

func (s *presenceService) Snapshot() dto.PresenceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	online := make([]string, 0, len(s.online))
	for id := range s.online {
		online = append(online, id)
	}
	sort.Strings(online)

	return dto.PresenceSnapshot{
		Users:         append([]dto.User{}, s.users...),
		OnlineUserIDs: online,
		Loading:       s.loading,
	}
}

func (s *presenceService) Subscribe() (<-chan dto.PresenceSnapshot, func()) {
	return s.broker.subscribe(s.Snapshot)
}

func (s *presenceService) notify() {
	s.broker.publish(s.Snapshot)
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for key := range a {
		if _, ok := b[key]; !ok {
			return false
		}
	}
	return true
}
