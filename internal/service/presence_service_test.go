package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/backend/backendtest"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/gateway"
	"github.com/noah-isme/gema-chat/internal/realtime"
)

func drain(ch <-chan dto.PresenceSnapshot) {
	select {
	case <-ch:
	default:
	}
}

func pending(ch <-chan dto.PresenceSnapshot) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestPresenceApplyIsIdempotent(t *testing.T) {
	svc := NewPresenceService(gateway.New(nil, nil, nil, nil, gateway.Options{}, zerolog.Nop()), nil, zerolog.Nop())
	updates, cancel := svc.Subscribe()
	defer cancel()
	drain(updates)

	svc.Apply(realtime.OnlineSynced{UserIDs: []string{"u1", "u2"}})
	require.True(t, pending(updates))
	require.Equal(t, []string{"u1", "u2"}, svc.Snapshot().OnlineUserIDs)

	svc.Apply(realtime.UserLeft{UserID: "u1"})
	require.Equal(t, []string{"u2"}, svc.Snapshot().OnlineUserIDs)
	require.False(t, svc.IsOnline("u1"))

	svc.Apply(realtime.UserJoined{UserID: "u1"})
	require.Equal(t, []string{"u1", "u2"}, svc.Snapshot().OnlineUserIDs)
	drain(updates)

	svc.Apply(realtime.UserJoined{UserID: "u2"})
	svc.Apply(realtime.UserLeft{UserID: "u9"})
	svc.Apply(realtime.OnlineSynced{UserIDs: []string{"u2", "u1"}})
	require.Len(t, svc.Snapshot().OnlineUserIDs, 2)
	require.False(t, pending(updates))
}

func TestPresenceFetchUsersKeepsDirectoryOnFailure(t *testing.T) {
	h := backendtest.New(t)
	gw := gateway.New(h.Faults, nil, nil, nil, gateway.Options{Policy: fastPolicy()}, zerolog.Nop())
	svc := NewPresenceService(gw, nil, zerolog.Nop())
	ctx := context.Background()

	h.SeedProfile(t, "u2", "bob")
	h.SeedProfile(t, "u1", "ada")
	svc.FetchUsers(ctx)
	snapshot := svc.Snapshot()
	require.False(t, snapshot.Loading)
	require.Len(t, snapshot.Users, 2)
	require.Equal(t, "ada", snapshot.Users[0].DisplayName)

	h.Faults.FailAlways("ListProfiles", errors.New("offline"))
	svc.FetchUsers(ctx)
	snapshot = svc.Snapshot()
	require.False(t, snapshot.Loading)
	require.Len(t, snapshot.Users, 2)
}

func TestPresenceSubscriptionTracksOnlineUsers(t *testing.T) {
	h := backendtest.New(t)
	gw := gateway.New(h.Store, nil, nil, nil, gateway.Options{Policy: fastPolicy()}, zerolog.Nop())
	ctx := context.Background()

	aliceRouter := realtime.NewRouter(h.Bus, nil, zerolog.Nop())
	bobRouter := realtime.NewRouter(h.Bus, nil, zerolog.Nop())
	t.Cleanup(aliceRouter.Close)
	t.Cleanup(bobRouter.Close)

	alice := NewPresenceService(gw, aliceRouter, zerolog.Nop())
	bob := NewPresenceService(gw, bobRouter, zerolog.Nop())

	require.NoError(t, alice.SubscribeToPresence(ctx, backend.Identity{ID: "alice"}))
	require.Eventually(t, func() bool { return alice.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.SubscribeToPresence(ctx, backend.Identity{ID: "bob"}))
	require.Eventually(t, func() bool { return alice.IsOnline("bob") && bob.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.SubscribeToPresence(ctx, backend.Identity{ID: "bob"}))
	require.Eventually(t, func() bool { return bob.IsOnline("bob") }, 2*time.Second, 5*time.Millisecond)

	bob.Unsubscribe()
	require.Empty(t, bob.Snapshot().OnlineUserIDs)
	require.Eventually(t, func() bool { return !alice.IsOnline("bob") }, 2*time.Second, 5*time.Millisecond)
	require.True(t, alice.IsOnline("alice"))
}
