package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/backend/backendtest"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/gateway"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/realtime"
	"github.com/noah-isme/gema-chat/internal/retry"
)

var aliceIdentity = backend.Identity{ID: "alice", Email: "alice@example.com", Metadata: map[string]any{"display_name": "Alice"}}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, IsRetryable: retry.DefaultRetryable}
}

type conversationFixture struct {
	h      *backendtest.Harness
	gw     *gateway.Gateway
	router *realtime.Router
	svc    *conversationService
}

func newConversationFixture(t *testing.T) *conversationFixture {
	t.Helper()
	h := backendtest.New(t)
	gw := gateway.New(h.Faults, backendtest.NewStaticAuth(aliceIdentity), nil, nil, gateway.Options{Policy: fastPolicy()}, zerolog.Nop())
	router := realtime.NewRouter(h.Bus, gw, zerolog.Nop())
	t.Cleanup(router.Close)

	svc := NewConversationService(gw, router, h.State, zerolog.Nop()).(*conversationService)
	require.False(t, svc.Restore(context.Background(), aliceIdentity))
	return &conversationFixture{h: h, gw: gw, router: router, svc: svc}
}

func (f *conversationFixture) subscribe(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.SubscribeToAllMessages(context.Background()))
	require.NoError(t, f.svc.SubscribeToReadReceipts(context.Background()))
	require.Eventually(t, func() bool {
		return f.router.State(realtime.FeedMessages) == realtime.StateActive &&
			f.router.State(realtime.FeedReadReceipts) == realtime.StateActive
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *conversationFixture) seed(t *testing.T, id, roomID, author string) {
	t.Helper()
	userID := author
	require.NoError(t, f.h.Store.InsertMessage(context.Background(), &models.Message{ID: id, RoomID: roomID, UserID: &userID, Username: author, Content: "from " + author}))
}

func (f *conversationFixture) directRoom(t *testing.T, peer string) string {
	t.Helper()
	id, err := f.gw.ResolveDirectRoom(context.Background(), peer)
	require.NoError(t, err)
	return id
}

func messageIDs(snapshot dto.ConversationSnapshot) []string {
	out := make([]string, 0, len(snapshot.Messages))
	for _, message := range snapshot.Messages {
		out = append(out, message.ID)
	}
	return out
}

func TestConversationSendIsOptimisticAndDedupsInsert(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	f.subscribe(t)

	release := f.h.Faults.Hold("InsertMessage")
	f.svc.SetInput("hello <b>world</b>")

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.Send(ctx, "hello <b>world</b>")
	}()

	require.Eventually(t, func() bool { return len(f.svc.Snapshot().Messages) == 1 }, time.Second, 2*time.Millisecond)
	pending := f.svc.Snapshot()
	require.True(t, pending.Messages[0].IsOptimistic)
	require.Equal(t, "hello world", pending.Messages[0].Content)
	require.Equal(t, "Alice", pending.Messages[0].AuthorDisplayName)
	require.Empty(t, pending.Input)

	release()
	<-done

	require.Eventually(t, func() bool {
		snapshot := f.svc.Snapshot()
		return len(snapshot.Messages) == 1 && !snapshot.Messages[0].IsOptimistic
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, pending.Messages[0].ID, f.svc.Snapshot().Messages[0].ID)
}

func TestConversationConcurrentSendsAllAppend(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	f.subscribe(t)

	release := f.h.Faults.Hold("InsertMessage")
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.Send(ctx, "same text")
		}()
	}

	require.Eventually(t, func() bool { return len(f.svc.Snapshot().Messages) == 3 }, time.Second, 2*time.Millisecond)
	release()
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, message := range f.svc.Snapshot().Messages {
			if message.IsOptimistic {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	ids := messageIDs(f.svc.Snapshot())
	require.Len(t, ids, 3)
	require.NotEqual(t, ids[0], ids[1])
	require.NotEqual(t, ids[1], ids[2])
}

func TestConversationEmptySendClearsInput(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)

	for _, text := range []string{"", "   ", "<p>&nbsp;</p>", "<p><br></p>"} {
		f.svc.SetInput(text)
		f.svc.Send(ctx, text)

		snapshot := f.svc.Snapshot()
		require.Empty(t, snapshot.Messages)
		require.Empty(t, snapshot.Input)
	}
	require.Zero(t, f.h.Faults.Calls("InsertMessage"))
}

func TestConversationSendFailureRevertsAndRestoresInput(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	f.h.Faults.FailAlways("InsertMessage", errors.New("network unreachable"))

	f.svc.SetInput("hello")
	f.svc.Send(ctx, "hello")

	snapshot := f.svc.Snapshot()
	require.Empty(t, snapshot.Messages)
	require.Equal(t, "hello", snapshot.Input)
	require.Equal(t, dto.ScopeSend, snapshot.ErrorScope)
	require.NotEmpty(t, snapshot.Error)
	require.Equal(t, 4, f.h.Faults.Calls("InsertMessage"))
}

func TestConversationSendWithoutRoom(t *testing.T) {
	f := newConversationFixture(t)
	f.svc.SetInput("hi")
	f.svc.Send(context.Background(), "hi")

	snapshot := f.svc.Snapshot()
	require.Empty(t, snapshot.Messages)
	require.Equal(t, "hi", snapshot.Input)
	require.Equal(t, dto.ScopeSend, snapshot.ErrorScope)
}

func TestConversationEditAndDeleteRollBack(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	room := f.svc.ActiveRoomID()
	f.seed(t, "m1", room, "bob")
	f.seed(t, "m2", room, "alice")
	f.svc.LoadMessages(ctx)
	require.Equal(t, []string{"m1", "m2"}, messageIDs(f.svc.Snapshot()))

	f.h.Faults.FailAlways("UpdateMessageContent", backend.NewStatusError(503, ""))
	f.svc.Edit(ctx, "m2", "changed")
	snapshot := f.svc.Snapshot()
	require.Equal(t, "from alice", snapshot.Messages[1].Content)
	require.Equal(t, dto.ScopeMessage, snapshot.ErrorScope)

	f.h.Faults.FailAlways("DeleteMessage", backend.NewStatusError(403, "forbidden"))
	f.svc.Delete(ctx, "m1")
	snapshot = f.svc.Snapshot()
	require.Equal(t, []string{"m1", "m2"}, messageIDs(snapshot))
	require.Equal(t, "forbidden", snapshot.Error)
	require.Equal(t, 1, f.h.Faults.Calls("DeleteMessage"))
}

func TestConversationEditAndDeleteSucceed(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	room := f.svc.ActiveRoomID()
	f.seed(t, "m1", room, "alice")
	f.seed(t, "m2", room, "alice")
	f.svc.LoadMessages(ctx)

	f.svc.Edit(ctx, "m1", "<i>edited</i>")
	snapshot := f.svc.Snapshot()
	require.Equal(t, "edited", snapshot.Messages[0].Content)
	require.Empty(t, snapshot.Error)

	f.svc.Edit(ctx, "m1", "   ")
	require.Equal(t, dto.ScopeMessage, f.svc.Snapshot().ErrorScope)

	f.svc.Delete(ctx, "m2")
	require.Equal(t, []string{"m1"}, messageIDs(f.svc.Snapshot()))

	records, err := f.gw.FetchMessages(ctx, room)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "edited", records[0].Content)
}

func TestConversationDiscardsStaleLoad(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	defaultRoom := f.svc.ActiveRoomID()
	bobRoom := f.directRoom(t, "bob")
	f.seed(t, "d1", defaultRoom, "bob")
	f.seed(t, "b1", bobRoom, "bob")

	release := f.h.Faults.Hold("ListMessages")
	calls := f.h.Faults.Calls("ListMessages")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.svc.SelectRoom(ctx, PeerRoom(dto.User{ID: "bob", DisplayName: "Bob"}))
	}()
	require.Eventually(t, func() bool { return f.h.Faults.Calls("ListMessages") == calls+1 }, time.Second, 2*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.svc.SelectRoom(ctx, DefaultRoom())
	}()
	require.Eventually(t, func() bool { return f.svc.ActiveRoomID() == defaultRoom }, time.Second, 2*time.Millisecond)

	release()
	wg.Wait()

	snapshot := f.svc.Snapshot()
	require.Equal(t, defaultRoom, snapshot.RoomID)
	require.Nil(t, snapshot.SelectedPeer)
	require.Equal(t, []string{"d1"}, messageIDs(snapshot))
	require.False(t, snapshot.LoadingMessages)
}

func TestConversationStaleLoadAfterFailedSelectClearsLoading(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	f.seed(t, "d1", f.svc.ActiveRoomID(), "bob")

	release := f.h.Faults.Hold("ListMessages")
	calls := f.h.Faults.Calls("ListMessages")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.svc.LoadMessages(ctx)
	}()
	require.Eventually(t, func() bool { return f.h.Faults.Calls("ListMessages") == calls+1 }, time.Second, 2*time.Millisecond)
	require.True(t, f.svc.Snapshot().LoadingMessages)

	f.h.Faults.FailAlways("GetOrCreateDirectRoom", backend.NewStatusError(403, "denied"))
	f.svc.SelectRoom(ctx, PeerRoom(dto.User{ID: "carol", DisplayName: "Carol"}))
	require.False(t, f.svc.Snapshot().LoadingMessages)

	release()
	wg.Wait()

	snapshot := f.svc.Snapshot()
	require.Empty(t, snapshot.RoomID)
	require.False(t, snapshot.LoadingMessages)
	require.False(t, snapshot.LoadingRoom)
	require.Equal(t, dto.ScopeRoom, snapshot.ErrorScope)
	require.Empty(t, snapshot.Messages)
}

func TestConversationRoomSwitchClearsUnreadAndRefetches(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	roomA := f.svc.ActiveRoomID()
	roomB := f.directRoom(t, "bob")
	bob := dto.User{ID: "bob", DisplayName: "Bob"}
	f.seed(t, "a1", roomA, "bob")
	f.svc.LoadMessages(ctx)
	f.subscribe(t)

	f.seed(t, "b1", roomB, "bob")
	f.seed(t, "b2", roomB, "alice")
	require.Eventually(t, func() bool { return f.svc.Snapshot().UnreadCounts[roomB] == 1 }, 2*time.Second, 5*time.Millisecond)

	f.svc.SelectRoom(ctx, PeerRoom(bob))
	snapshot := f.svc.Snapshot()
	require.Equal(t, roomB, snapshot.RoomID)
	require.Zero(t, snapshot.UnreadCounts[roomB])
	require.Zero(t, f.svc.UnreadForPeer("bob"))
	require.Equal(t, []string{"b1", "b2"}, messageIDs(snapshot))

	f.seed(t, "a2", roomA, "bob")
	require.Eventually(t, func() bool { return f.svc.Snapshot().UnreadCounts[roomA] == 1 }, 2*time.Second, 5*time.Millisecond)

	f.svc.SelectRoom(ctx, DefaultRoom())
	snapshot = f.svc.Snapshot()
	require.Equal(t, roomA, snapshot.RoomID)
	require.Zero(t, snapshot.UnreadCounts[roomA])
	require.Zero(t, snapshot.UnreadCounts[roomB])
	require.Equal(t, []string{"a1", "a2"}, messageIDs(snapshot))
}

func TestConversationSelectSameRoomIsNoop(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	calls := f.h.Faults.Calls("ListMessages")

	f.svc.SelectRoom(ctx, DefaultRoom())
	f.svc.InitDefaultRoom(ctx, false)
	require.Equal(t, calls, f.h.Faults.Calls("ListMessages"))

	f.svc.InitDefaultRoom(ctx, true)
	require.Equal(t, calls+1, f.h.Faults.Calls("ListMessages"))
}

func TestConversationSelectFailureLeavesRoomUnset(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.h.Faults.FailAlways("GetOrCreateDirectRoom", errors.New("timeout"))

	f.svc.SelectRoom(ctx, PeerRoom(dto.User{ID: "bob"}))
	snapshot := f.svc.Snapshot()
	require.Empty(t, snapshot.RoomID)
	require.False(t, snapshot.LoadingRoom)
	require.Equal(t, dto.ScopeRoom, snapshot.ErrorScope)
}

func TestConversationApplyEdgeCases(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	room := f.svc.ActiveRoomID()
	f.seed(t, "m1", room, "bob")
	f.seed(t, "m2", room, "bob")
	f.svc.LoadMessages(ctx)
	before := f.svc.Snapshot()

	f.svc.Apply(realtime.MessageRemoved{RoomID: room, ID: "missing"})
	require.Equal(t, before.Messages, f.svc.Snapshot().Messages)

	f.svc.Apply(realtime.MessageRemoved{RoomID: "elsewhere", ID: "m1"})
	require.Equal(t, []string{"m1", "m2"}, messageIDs(f.svc.Snapshot()))

	f.svc.Apply(realtime.MessageRemoved{ID: "m1"})
	require.Equal(t, []string{"m2"}, messageIDs(f.svc.Snapshot()))

	f.svc.Apply(realtime.MessageContentChanged{RoomID: room, ID: "missing", Content: "x"})
	f.svc.Apply(realtime.MessageContentChanged{RoomID: room, ID: "m2", Content: "new"})
	require.Equal(t, "new", f.svc.Snapshot().Messages[0].Content)

	f.svc.Apply(realtime.UnreadIncremented{RoomID: room})
	require.Zero(t, f.svc.Snapshot().UnreadCounts[room])

	upsert := realtime.MessageUpserted{RoomID: room, Message: dto.ChatMessage{ID: "m3", Content: "hi", AuthorDisplayName: "Bob"}}
	f.svc.Apply(upsert)
	f.svc.Apply(upsert)
	require.Equal(t, []string{"m2", "m3"}, messageIDs(f.svc.Snapshot()))

	f.svc.Apply(realtime.MessageUpserted{RoomID: "elsewhere", Message: dto.ChatMessage{ID: "m4"}})
	require.Len(t, f.svc.Snapshot().Messages, 2)
}

func TestConversationReadReceipts(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	room := f.svc.ActiveRoomID()
	f.seed(t, "m1", room, "bob")
	require.NoError(t, f.h.Store.UpsertReads(ctx, []models.MessageRead{{MessageID: "m1", UserID: "carol"}}))
	f.svc.LoadMessages(ctx)
	require.Equal(t, []string{"carol"}, f.svc.Snapshot().ReadReceipts["m1"])

	f.h.Faults.FailAlways("UpsertReads", errors.New("offline"))
	f.svc.MarkRead(ctx, []string{"m1"})
	snapshot := f.svc.Snapshot()
	require.Equal(t, []string{"alice", "carol"}, snapshot.ReadReceipts["m1"])
	require.Empty(t, snapshot.Error)

	f.svc.Apply(realtime.ReceiptAdded{MessageID: "m1", UserID: "dave"})
	f.svc.Apply(realtime.ReceiptAdded{MessageID: "m1", UserID: "dave"})
	require.Len(t, f.svc.Snapshot().ReadReceipts["m1"], 3)

	f.svc.Apply(realtime.ReceiptRemoved{MessageID: "m1", UserID: "dave"})
	require.Equal(t, []string{"alice", "carol"}, f.svc.Snapshot().ReadReceipts["m1"])
}

func TestConversationMarkRoomRead(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	room := f.svc.ActiveRoomID()
	f.seed(t, "m1", room, "bob")
	f.seed(t, "m2", room, "alice")

	f.svc.MarkRoomRead(ctx)

	reads, err := f.h.Store.ListReads(ctx, []string{"m1", "m2"})
	require.NoError(t, err)
	require.Len(t, reads, 1)
	require.Equal(t, "m1", reads[0].MessageID)
	require.Equal(t, "alice", reads[0].UserID)
}

func TestConversationPersistsAndRestores(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	roomA := f.svc.ActiveRoomID()
	bobRoom := f.directRoom(t, "bob")
	f.seed(t, "b1", bobRoom, "bob")
	f.svc.SelectRoom(ctx, PeerRoom(dto.User{ID: "bob", DisplayName: "Bob"}))
	f.svc.Apply(realtime.UnreadIncremented{RoomID: roomA})

	restored := NewConversationService(f.gw, nil, f.h.State, zerolog.Nop())
	require.True(t, restored.Restore(ctx, aliceIdentity))

	snapshot := restored.Snapshot()
	require.Equal(t, bobRoom, snapshot.RoomID)
	require.Equal(t, "bob", snapshot.SelectedPeer.ID)
	require.Equal(t, bobRoom, snapshot.DirectRooms["bob"])
	require.Equal(t, 1, snapshot.UnreadCounts[roomA])
	require.Equal(t, []string{"b1"}, messageIDs(snapshot))

	other := NewConversationService(f.gw, nil, f.h.State, zerolog.Nop())
	require.False(t, other.Restore(ctx, backend.Identity{ID: "carol"}))
}

func TestConversationNotConfigured(t *testing.T) {
	gw := gateway.New(nil, nil, nil, nil, gateway.Options{}, zerolog.Nop())
	svc := NewConversationService(gw, nil, nil, zerolog.Nop())
	ctx := context.Background()

	updates, cancel := svc.Subscribe()
	defer cancel()
	<-updates

	svc.InitDefaultRoom(ctx, false)
	svc.SetInput("hi")
	svc.Send(ctx, "hi")
	svc.Edit(ctx, "m1", "x")
	svc.MarkRead(ctx, []string{"m1"})
	require.NoError(t, svc.SubscribeToAllMessages(ctx))

	snapshot := svc.Snapshot()
	require.Empty(t, snapshot.RoomID)
	require.Empty(t, snapshot.Messages)
	require.Equal(t, "hi", snapshot.Input)
	require.Equal(t, dto.ScopeConfig, snapshot.ErrorScope)
	require.Equal(t, gateway.NotConfiguredMessage, snapshot.Error)

	latest := <-updates
	require.Equal(t, dto.ScopeConfig, latest.ErrorScope)
}

func TestConversationResetClearsState(t *testing.T) {
	f := newConversationFixture(t)
	ctx := context.Background()
	f.svc.InitDefaultRoom(ctx, false)
	f.subscribe(t)

	f.svc.Reset()
	require.Empty(t, f.svc.ActiveRoomID())
	require.Empty(t, f.svc.LocalUserID())
	require.Equal(t, realtime.StateUnsubscribed, f.router.State(realtime.FeedMessages))
	require.Equal(t, realtime.StateUnsubscribed, f.router.State(realtime.FeedReadReceipts))
}
