// Package auth is a self-hosted AuthProvider: bcrypt password accounts and
// HS256 session tokens, with the current session persisted locally.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/models"
)

const sessionStateKey = "auth:session"

// Messages carried by auth status errors.
const (
	MsgInvalidCredentials = "Invalid login credentials"
	MsgEmailNotConfirmed  = "Email not confirmed"
	MsgAlreadyRegistered  = "User already registered"
)

// AccountStore persists accounts.
type AccountStore interface {
	Create(ctx context.Context, account *models.Account) error
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByID(ctx context.Context, id string) (*models.Account, error)
}

// StateStore persists the current session between runs.
type StateStore interface {
	Load(ctx context.Context, key string, dest interface{}) (bool, error)
	Save(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
}

// Options configure the provider.
type Options struct {
	Secret              string
	Issuer              string
	SessionTTL          time.Duration
	RequireConfirmation bool
	BcryptCost          int
}

// LocalProvider implements backend.AuthProvider.
type LocalProvider struct {
	accounts AccountStore
	state    StateStore
	tokens   tokenIssuer
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	current   *backend.Session
	listeners map[int]func(backend.AuthEvent, *backend.Session)
	nextID    int
}

var _ backend.AuthProvider = (*LocalProvider)(nil)

// NewLocalProvider constructs the provider. state may be nil, in which case
// sessions only live for the process lifetime.
func NewLocalProvider(accounts AccountStore, state StateStore, opts Options, logger zerolog.Logger) (*LocalProvider, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("auth secret must not be empty")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 7 * 24 * time.Hour
	}
	if opts.Issuer == "" {
		opts.Issuer = "gema-chat"
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	return &LocalProvider{
		accounts:  accounts,
		state:     state,
		tokens:    tokenIssuer{secret: []byte(opts.Secret), issuer: opts.Issuer, ttl: opts.SessionTTL},
		opts:      opts,
		logger:    logger.With().Str("component", "auth_provider").Logger(),
		now:       time.Now,
		listeners: make(map[int]func(backend.AuthEvent, *backend.Session)),
	}, nil
}

// GetSession returns the current session, restoring a persisted one on first
// use. Expired or unverifiable sessions are discarded and reported as nil.
func (p *LocalProvider) GetSession(ctx context.Context) (*backend.Session, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	if current == nil && p.state != nil {
		var stored backend.Session
		ok, err := p.state.Load(ctx, sessionStateKey, &stored)
		if err != nil {
			return nil, err
		}
		if ok {
			current = &stored
		}
	}
	if current == nil {
		return nil, nil
	}

	claims, err := p.tokens.verify(current.AccessToken)
	if err != nil {
		p.logger.Info().Err(err).Msg("discarding stored session")
		p.clear(ctx)
		return nil, nil
	}

	account, err := p.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		if backend.StatusOf(err) == http.StatusNotFound {
			p.clear(ctx)
			return nil, nil
		}
		return nil, err
	}

	session := *current
	session.User = identityOf(account)

	p.mu.Lock()
	p.current = &session
	p.mu.Unlock()

	out := session
	return &out, nil
}

// SignIn authenticates with email and password.
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (backend.Session, error) {
	account, err := p.accounts.FindByEmail(ctx, email)
	if err != nil {
		return backend.Session{}, err
	}
	if account == nil {
		return backend.Session{}, backend.NewStatusError(http.StatusBadRequest, MsgInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return backend.Session{}, backend.NewStatusError(http.StatusBadRequest, MsgInvalidCredentials)
	}
	if p.opts.RequireConfirmation && !account.Confirmed {
		return backend.Session{}, backend.NewStatusError(http.StatusBadRequest, MsgEmailNotConfirmed)
	}

	session, err := p.startSession(ctx, account)
	if err != nil {
		return backend.Session{}, err
	}
	return session, nil
}

// SignUp registers an account. attrs become the identity metadata. Without
// required confirmation the new account is signed in immediately.
func (p *LocalProvider) SignUp(ctx context.Context, email, password string, attrs map[string]any) (backend.Identity, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return backend.Identity{}, backend.NewStatusError(http.StatusUnprocessableEntity, "Unable to validate email address: invalid format")
	}
	if len(password) < 6 {
		return backend.Identity{}, backend.NewStatusError(http.StatusUnprocessableEntity, "Password should be at least 6 characters")
	}

	existing, err := p.accounts.FindByEmail(ctx, email)
	if err != nil {
		return backend.Identity{}, err
	}
	if existing != nil {
		return backend.Identity{}, backend.NewStatusError(http.StatusBadRequest, MsgAlreadyRegistered)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.opts.BcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return backend.Identity{}, backend.NewStatusError(http.StatusUnprocessableEntity, "Password cannot be longer than 72 characters")
	}
	if err != nil {
		return backend.Identity{}, fmt.Errorf("hash password: %w", err)
	}

	metadata := make(map[string]interface{}, len(attrs))
	for key, value := range attrs {
		metadata[key] = value
	}
	account := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Confirmed:    !p.opts.RequireConfirmation,
		Metadata:     metadata,
	}
	if err := p.accounts.Create(ctx, account); err != nil {
		if backend.StatusOf(err) == http.StatusConflict {
			return backend.Identity{}, backend.NewStatusError(http.StatusBadRequest, MsgAlreadyRegistered)
		}
		return backend.Identity{}, err
	}

	p.logger.Info().Str("user_id", account.ID).Msg("account registered")

	if !p.opts.RequireConfirmation {
		if _, err := p.startSession(ctx, account); err != nil {
			return backend.Identity{}, err
		}
	}
	return identityOf(account), nil
}

// SignOut ends the current session. It succeeds when no session exists.
func (p *LocalProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	hadSession := p.current != nil
	p.mu.Unlock()

	if err := p.clear(ctx); err != nil {
		return err
	}
	if hadSession {
		p.notify(backend.AuthSignedOut, nil)
	}
	return nil
}

// OnAuthStateChange registers a listener for sign-in and sign-out.
func (p *LocalProvider) OnAuthStateChange(callback func(backend.AuthEvent, *backend.Session)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = callback
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// VerifyToken checks a bearer token against the current session.
func (p *LocalProvider) VerifyToken(token string) (*Claims, error) {
	claims, err := p.tokens.verify(token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.AccessToken != token {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *LocalProvider) startSession(ctx context.Context, account *models.Account) (backend.Session, error) {
	token, expires, err := p.tokens.issue(account.ID, account.Email, p.now())
	if err != nil {
		return backend.Session{}, err
	}
	session := backend.Session{AccessToken: token, ExpiresAt: expires, User: identityOf(account)}

	if p.state != nil {
		if err := p.state.Save(ctx, sessionStateKey, session); err != nil {
			p.logger.Warn().Err(err).Msg("failed to persist session")
		}
	}

	p.mu.Lock()
	p.current = &session
	p.mu.Unlock()

	p.notify(backend.AuthSignedIn, &session)
	return session, nil
}

func (p *LocalProvider) clear(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	if p.state == nil {
		return nil
	}
	if err := p.state.Delete(ctx, sessionStateKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (p *LocalProvider) notify(event backend.AuthEvent, session *backend.Session) {
	p.mu.Lock()
	listeners := make([]func(backend.AuthEvent, *backend.Session), 0, len(p.listeners))
	for _, listener := range p.listeners {
		listeners = append(listeners, listener)
	}
	p.mu.Unlock()

	for _, listener := range listeners {
		var copied *backend.Session
		if session != nil {
			s := *session
			copied = &s
		}
		listener(event, copied)
	}
}

func identityOf(account *models.Account) backend.Identity {
	metadata := make(map[string]any, len(account.Metadata))
	for key, value := range account.Metadata {
		metadata[key] = value
	}
	return backend.Identity{ID: account.ID, Email: account.Email, Metadata: metadata}
}
