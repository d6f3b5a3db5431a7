// Package backendtest wires an in-process backend for tests: SQLite through
// GORM as the datastore, the memory bus as the realtime bus, and a fault
// injecting datastore wrapper.
package backendtest

import (
	"context"
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
	"github.com/noah-isme/gema-chat/internal/bus"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// Harness is a complete in-process backend.
type Harness struct {
	DB     *gorm.DB
	Store  *repository.ChatStore
	Faults *FaultyStore
	Bus    *bus.Bus
	State  *repository.ClientStateRepository
}

// New builds a harness backed by a private in-memory SQLite database.
func New(t testing.TB) *Harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, DisableForeignKeyConstraintWhenMigrating: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	transport := bus.NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })
	realtime := bus.New(transport, bus.NewMemoryPresenceStore(), bus.Options{PresenceTTL: time.Second}, zerolog.Nop())

	store := repository.NewChatStore(db, realtime, zerolog.Nop())
	require.NoError(t, store.AutoMigrate())

	state := repository.NewClientStateRepository(db)
	require.NoError(t, state.AutoMigrate())

	return &Harness{DB: db, Store: store, Faults: NewFaultyStore(store), Bus: realtime, State: state}
}

// SeedProfile inserts a profile row.
func (h *Harness) SeedProfile(t testing.TB, id, username string) {
	t.Helper()
	require.NoError(t, h.Store.UpsertProfile(context.Background(), &models.Profile{ID: id, Username: username}))
}

// StaticAuth is an AuthProvider with a fixed signed-in identity.
type StaticAuth struct {
	mu      sync.Mutex
	session *backend.Session
}

// NewStaticAuth returns a provider signed in as identity.
func NewStaticAuth(identity backend.Identity) *StaticAuth {
	return &StaticAuth{session: &backend.Session{AccessToken: "token-" + identity.ID, ExpiresAt: time.Now().Add(time.Hour), User: identity}}
}

func (a *StaticAuth) GetSession(context.Context) (*backend.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, nil
	}
	out := *a.session
	return &out, nil
}

func (a *StaticAuth) SignIn(context.Context, string, string) (backend.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return backend.Session{}, backend.NewStatusError(400, "Invalid login credentials")
	}
	return *a.session, nil
}

func (a *StaticAuth) SignUp(context.Context, string, string, map[string]any) (backend.Identity, error) {
	return backend.Identity{}, backend.NewStatusError(400, "User already registered")
}

func (a *StaticAuth) SignOut(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	return nil
}

func (a *StaticAuth) OnAuthStateChange(func(backend.AuthEvent, *backend.Session)) func() {
	return func() {}
}

// FaultyStore wraps a datastore and fails selected operations on demand.
// Operation names are the Datastore method names.
type FaultyStore struct {
	backend.Datastore

	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
	gates    map[string]chan struct{}
}

// NewFaultyStore wraps inner.
func NewFaultyStore(inner backend.Datastore) *FaultyStore {
	return &FaultyStore{
		Datastore: inner,
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
		gates:     make(map[string]chan struct{}),
	}
}

// FailNext queues errors returned by the next calls of op, one per call.
func (f *FaultyStore) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// FailAlways makes every following call of op fail with err.
func (f *FaultyStore) FailAlways(op string, err error) {
	f.FailNext(op, repeat(err, 64)...)
}

// Hold blocks calls of op until the returned release func runs.
func (f *FaultyStore) Hold(op string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, op)
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how often op was invoked.
func (f *FaultyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyStore) before(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	var err error
	if queued := f.failures[op]; len(queued) > 0 {
		err = queued[0]
		f.failures[op] = queued[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *FaultyStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	if err := f.before(ctx, "ListMessages"); err != nil {
		return nil, err
	}
	return f.Datastore.ListMessages(ctx, roomID)
}

func (f *FaultyStore) InsertMessage(ctx context.Context, message *models.Message) error {
	if err := f.before(ctx, "InsertMessage"); err != nil {
		return err
	}
	return f.Datastore.InsertMessage(ctx, message)
}

func (f *FaultyStore) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	if err := f.before(ctx, "UpdateMessageContent"); err != nil {
		return err
	}
	return f.Datastore.UpdateMessageContent(ctx, id, content, editedAt)
}

func (f *FaultyStore) DeleteMessage(ctx context.Context, id string) error {
	if err := f.before(ctx, "DeleteMessage"); err != nil {
		return err
	}
	return f.Datastore.DeleteMessage(ctx, id)
}

func (f *FaultyStore) FindRoomByName(ctx context.Context, name string) (*models.Room, error) {
	if err := f.before(ctx, "FindRoomByName"); err != nil {
		return nil, err
	}
	return f.Datastore.FindRoomByName(ctx, name)
}

func (f *FaultyStore) CreateRoom(ctx context.Context, name string) (models.Room, error) {
	if err := f.before(ctx, "CreateRoom"); err != nil {
		return models.Room{}, err
	}
	return f.Datastore.CreateRoom(ctx, name)
}

func (f *FaultyStore) GetOrCreateDirectRoom(ctx context.Context, userID, peerID string) (string, error) {
	if err := f.before(ctx, "GetOrCreateDirectRoom"); err != nil {
		return "", err
	}
	return f.Datastore.GetOrCreateDirectRoom(ctx, userID, peerID)
}

func (f *FaultyStore) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	if err := f.before(ctx, "ListProfiles"); err != nil {
		return nil, err
	}
	return f.Datastore.ListProfiles(ctx)
}

func (f *FaultyStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	if err := f.before(ctx, "GetProfile"); err != nil {
		return nil, err
	}
	return f.Datastore.GetProfile(ctx, id)
}

func (f *FaultyStore) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	if err := f.before(ctx, "UpsertProfile"); err != nil {
		return err
	}
	return f.Datastore.UpsertProfile(ctx, profile)
}

func (f *FaultyStore) UpsertReads(ctx context.Context, reads []models.MessageRead) error {
	if err := f.before(ctx, "UpsertReads"); err != nil {
		return err
	}
	return f.Datastore.UpsertReads(ctx, reads)
}

func (f *FaultyStore) ListReads(ctx context.Context, messageIDs []string) ([]models.MessageRead, error) {
	if err := f.before(ctx, "ListReads"); err != nil {
		return nil, err
	}
	return f.Datastore.ListReads(ctx, messageIDs)
}

func (f *FaultyStore) MarkRoomMessagesRead(ctx context.Context, roomID, userID string) error {
	if err := f.before(ctx, "MarkRoomMessagesRead"); err != nil {
		return err
	}
	return f.Datastore.MarkRoomMessagesRead(ctx, roomID, userID)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}
