package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []backend.ChangeEvent
}

func (p *recordingPublisher) PublishChange(_ context.Context, event backend.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []backend.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]backend.ChangeEvent(nil), p.events...)
}

func setupChatTestDB(t *testing.T, tables ...interface{}) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, DisableForeignKeyConstraintWhenMigrating: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(tables...))
	return db
}

func newTestChatStore(t *testing.T) (*ChatStore, *recordingPublisher) {
	t.Helper()
	db := setupChatTestDB(t, &models.Profile{}, &models.Room{}, &models.Message{}, &models.MessageRead{})
	publisher := &recordingPublisher{}
	return NewChatStore(db, publisher, zerolog.Nop()), publisher
}

func strPtr(s string) *string { return &s }

func TestChatStoreInsertAndListJoinsProfiles(t *testing.T) {
	store, publisher := newTestChatStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{ID: "u1", Username: "alice", AvatarURL: strPtr("https://a/png")}))

	base := time.Date(2025, 12, 6, 10, 0, 0, 0, time.UTC)
	second := models.Message{ID: "m2", RoomID: "r1", UserID: strPtr("u1"), Username: "old-alice", Content: "second", CreatedAt: base.Add(time.Minute)}
	first := models.Message{ID: "m1", RoomID: "r1", UserID: strPtr("u1"), Username: "old-alice", Content: "first", CreatedAt: base}
	other := models.Message{ID: "m3", RoomID: "r2", Content: "elsewhere", CreatedAt: base}
	require.NoError(t, store.InsertMessage(ctx, &second))
	require.NoError(t, store.InsertMessage(ctx, &first))
	require.NoError(t, store.InsertMessage(ctx, &other))

	messages, err := store.ListMessages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "m1", messages[0].ID, "messages are ordered by created_at")
	require.NotNil(t, messages[0].Profile)
	require.Equal(t, "alice", messages[0].Profile.Username)

	events := publisher.snapshot()
	require.Len(t, events, 4)
	require.Equal(t, TableProfiles, events[0].Table)
	require.Equal(t, backend.ChangeInsert, events[1].Type)
	require.Equal(t, TableMessages, events[1].Table)

	var row map[string]interface{}
	require.NoError(t, json.Unmarshal(events[1].New, &row))
	require.Equal(t, "m2", row["id"])
	require.Equal(t, "r1", row["room_id"])
	require.NotContains(t, row, "profiles")
}

func TestChatStoreInsertDuplicateIDConflicts(t *testing.T) {
	store, _ := newTestChatStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMessage(ctx, &models.Message{ID: "m1", RoomID: "r1", Content: "hi"}))
	err := store.InsertMessage(ctx, &models.Message{ID: "m1", RoomID: "r1", Content: "again"})
	require.Error(t, err)
	require.Equal(t, 409, backend.StatusOf(err))

	err = store.InsertMessage(ctx, &models.Message{RoomID: "r1", Content: "no id"})
	require.Equal(t, 400, backend.StatusOf(err))
}

func TestChatStoreUpdateMessageContent(t *testing.T) {
	store, publisher := newTestChatStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMessage(ctx, &models.Message{ID: "m1", RoomID: "r1", Content: "draft"}))
	edited := time.Date(2025, 12, 6, 11, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateMessageContent(ctx, "m1", "final", edited))

	messages, err := store.ListMessages(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "final", messages[0].Content)
	require.NotNil(t, messages[0].EditedAt)

	events := publisher.snapshot()
	require.Equal(t, backend.ChangeUpdate, events[len(events)-1].Type)

	err = store.UpdateMessageContent(ctx, "missing", "x", edited)
	require.Equal(t, 404, backend.StatusOf(err))
}

func TestChatStoreDeleteMessagePublishesOldRow(t *testing.T) {
	store, publisher := newTestChatStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMessage(ctx, &models.Message{ID: "m1", RoomID: "r1", Content: "bye"}))
	require.NoError(t, store.UpsertReads(ctx, []models.MessageRead{{MessageID: "m1", UserID: "u2"}}))
	require.NoError(t, store.DeleteMessage(ctx, "m1"))
	require.NoError(t, store.DeleteMessage(ctx, "m1"), "deleting twice is a no-op")

	messages, err := store.ListMessages(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, messages)

	reads, err := store.ListReads(ctx, []string{"m1"})
	require.NoError(t, err)
	require.Empty(t, reads)

	events := publisher.snapshot()
	last := events[len(events)-1]
	require.Equal(t, backend.ChangeDelete, last.Type)
	require.Len(t, events, 3)

	var old map[string]string
	require.NoError(t, json.Unmarshal(last.Old, &old))
	require.Equal(t, map[string]string{"id": "m1", "room_id": "r1"}, old)
}

func TestChatStoreCreateRoomConvergesOnName(t *testing.T) {
	store, _ := newTestChatStore(t)
	ctx := context.Background()

	found, err := store.FindRoomByName(ctx, "General")
	require.NoError(t, err)
	require.Nil(t, found)

	created, err := store.CreateRoom(ctx, "General")
	require.NoError(t, err)
	again, err := store.CreateRoom(ctx, "General")
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)

	found, err = store.FindRoomByName(ctx, "General")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)
}

func TestChatStoreDirectRoomIsSymmetric(t *testing.T) {
	store, _ := newTestChatStore(t)
	ctx := context.Background()

	ab, err := store.GetOrCreateDirectRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	ba, err := store.GetOrCreateDirectRoom(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, ab, ba)

	ac, err := store.GetOrCreateDirectRoom(ctx, "alice", "carol")
	require.NoError(t, err)
	require.NotEqual(t, ab, ac)

	_, err = store.GetOrCreateDirectRoom(ctx, "alice", "")
	require.Equal(t, 400, backend.StatusOf(err))
}

func TestChatStoreProfiles(t *testing.T) {
	store, _ := newTestChatStore(t)
	ctx := context.Background()

	missing, err := store.GetProfile(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{ID: "u2", Username: "zed"}))
	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{ID: "u1", Username: "amy"}))
	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{ID: "u1", Username: "amy", AvatarURL: strPtr("https://cdn/amy.png")}))

	profiles, err := store.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	require.Equal(t, "amy", profiles[0].Username)

	amy, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "https://cdn/amy.png", *amy.AvatarURL)
}

func TestChatStoreReadsAreIdempotent(t *testing.T) {
	store, publisher := newTestChatStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMessage(ctx, &models.Message{ID: "m1", RoomID: "r1", UserID: strPtr("u1"), Content: "mine"}))
	require.NoError(t, store.InsertMessage(ctx, &models.Message{ID: "m2", RoomID: "r1", UserID: strPtr("u2"), Content: "theirs"}))
	require.NoError(t, store.InsertMessage(ctx, &models.Message{ID: "m3", RoomID: "r1", Content: "anon"}))
	before := len(publisher.snapshot())

	require.NoError(t, store.MarkRoomMessagesRead(ctx, "r1", "u1"))
	require.NoError(t, store.MarkRoomMessagesRead(ctx, "r1", "u1"))

	reads, err := store.ListReads(ctx, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	require.Len(t, reads, 2)
	for _, read := range reads {
		require.Equal(t, "u1", read.UserID)
		require.NotEqual(t, "m1", read.MessageID, "own messages are not marked")
	}

	require.Len(t, publisher.snapshot(), before+2, "only new markers are published")

	empty, err := store.ListReads(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestChatStoreWithoutPublisher(t *testing.T) {
	db := setupChatTestDB(t, &models.Profile{}, &models.Message{})
	store := NewChatStore(db, nil, zerolog.Nop())
	require.NoError(t, store.InsertMessage(context.Background(), &models.Message{ID: "m1", RoomID: "r1", Content: "hi"}))
}
