package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

type authFixture struct {
	accounts *repository.AccountRepository
	state    *repository.ClientStateRepository
}

func newAuthFixture(t *testing.T) authFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Account{}, &models.ClientState{}))
	return authFixture{accounts: repository.NewAccountRepository(db), state: repository.NewClientStateRepository(db)}
}

func (f authFixture) provider(t *testing.T, requireConfirmation bool) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(f.accounts, f.state, Options{
		Secret:              "test-secret",
		SessionTTL:          time.Hour,
		RequireConfirmation: requireConfirmation,
		BcryptCost:          bcrypt.MinCost,
	}, zerolog.Nop())
	require.NoError(t, err)
	return p
}

type authEvents struct {
	mu     sync.Mutex
	events []backend.AuthEvent
}

func (a *authEvents) record(event backend.AuthEvent, _ *backend.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func TestNewLocalProviderRequiresSecret(t *testing.T) {
	_, err := NewLocalProvider(nil, nil, Options{}, zerolog.Nop())
	require.Error(t, err)
}

func TestSignUpSignsInWithoutConfirmation(t *testing.T) {
	fixture := newAuthFixture(t)
	p := fixture.provider(t, false)
	ctx := context.Background()

	events := &authEvents{}
	unsubscribe := p.OnAuthStateChange(events.record)
	defer unsubscribe()

	identity, err := p.SignUp(ctx, "alice@example.com", "Str0ng!pass", map[string]any{"display_name": "alice"})
	require.NoError(t, err)
	require.Equal(t, "alice", identity.DisplayName())
	require.Equal(t, []backend.AuthEvent{backend.AuthSignedIn}, events.events)

	session, err := p.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, identity.ID, session.User.ID)

	_, err = p.SignUp(ctx, "ALICE@example.com", "Str0ng!pass", nil)
	require.Equal(t, 400, backend.StatusOf(err))
	require.Contains(t, err.Error(), MsgAlreadyRegistered)
}

func TestSignUpValidatesInput(t *testing.T) {
	p := newAuthFixture(t).provider(t, false)
	ctx := context.Background()

	_, err := p.SignUp(ctx, "not-an-email", "Str0ng!pass", nil)
	require.Equal(t, 422, backend.StatusOf(err))

	_, err = p.SignUp(ctx, "bob@example.com", "short", nil)
	require.Equal(t, 422, backend.StatusOf(err))
}

func TestSignInErrors(t *testing.T) {
	fixture := newAuthFixture(t)
	p := fixture.provider(t, true)
	ctx := context.Background()

	events := &authEvents{}
	p.OnAuthStateChange(events.record)

	identity, err := p.SignUp(ctx, "carol@example.com", "Str0ng!pass", nil)
	require.NoError(t, err)
	require.Empty(t, events.events, "confirmation required: no session yet")

	_, err = p.SignIn(ctx, "carol@example.com", "wrong")
	require.Contains(t, err.Error(), MsgInvalidCredentials)
	_, err = p.SignIn(ctx, "nobody@example.com", "Str0ng!pass")
	require.Contains(t, err.Error(), MsgInvalidCredentials)

	_, err = p.SignIn(ctx, "carol@example.com", "Str0ng!pass")
	require.Equal(t, 400, backend.StatusOf(err))
	require.Contains(t, err.Error(), MsgEmailNotConfirmed)

	require.NoError(t, fixture.accounts.Confirm(ctx, identity.ID))
	session, err := p.SignIn(ctx, "carol@example.com", "Str0ng!pass")
	require.NoError(t, err)
	require.NotEmpty(t, session.AccessToken)
	require.Equal(t, []backend.AuthEvent{backend.AuthSignedIn}, events.events)
}

func TestSessionSurvivesRestartAndSignOut(t *testing.T) {
	fixture := newAuthFixture(t)
	first := fixture.provider(t, false)
	ctx := context.Background()

	_, err := first.SignUp(ctx, "dave@example.com", "Str0ng!pass", map[string]any{"display_name": "dave"})
	require.NoError(t, err)
	before, err := first.GetSession(ctx)
	require.NoError(t, err)

	second := fixture.provider(t, false)
	restored, err := second.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	require.Equal(t, before.AccessToken, restored.AccessToken)
	require.Equal(t, "dave", restored.User.DisplayName())

	claims, err := second.VerifyToken(restored.AccessToken)
	require.NoError(t, err)
	require.Equal(t, restored.User.ID, claims.Subject)

	events := &authEvents{}
	second.OnAuthStateChange(events.record)
	require.NoError(t, second.SignOut(ctx))
	require.NoError(t, second.SignOut(ctx))
	require.Equal(t, []backend.AuthEvent{backend.AuthSignedOut}, events.events)

	_, err = second.VerifyToken(restored.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	third := fixture.provider(t, false)
	gone, err := third.GetSession(ctx)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestGetSessionDiscardsExpiredToken(t *testing.T) {
	fixture := newAuthFixture(t)
	p := fixture.provider(t, false)
	ctx := context.Background()

	p.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, err := p.SignUp(ctx, "erin@example.com", "Str0ng!pass", nil)
	require.NoError(t, err)

	session, err := p.GetSession(ctx)
	require.NoError(t, err)
	require.Nil(t, session)
}

func TestVerifyTokenRejectsForeignSecret(t *testing.T) {
	other := tokenIssuer{secret: []byte("other"), issuer: "gema-chat", ttl: time.Hour}
	token, _, err := other.issue("u1", "u1@example.com", time.Now())
	require.NoError(t, err)

	p := newAuthFixture(t).provider(t, false)
	_, err = p.VerifyToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
