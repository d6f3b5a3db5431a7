package service

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/gateway"
)

// User-facing auth messages.
const (
	MsgInvalidCredentials = "Invalid email or password."
	MsgEmailNotConfirmed  = "Please confirm your email address before signing in."
	MsgAlreadyRegistered  = "An account with this email already exists. Try signing in instead."
	MsgAuthUnavailable    = "Unable to reach the server. Please try again."
	MsgConfirmationSent   = "Account created. Check your email to confirm it before signing in."
)

var (
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	upperPattern    = regexp.MustCompile(`[A-Z]`)
	lowerPattern    = regexp.MustCompile(`[a-z]`)
	digitPattern    = regexp.MustCompile(`[0-9]`)
	specialPattern  = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]`)
)

// InputError reports invalid form input before any remote call.
type InputError struct {
	Field    string
	Problems []string
}

func (e *InputError) Error() string {
	return strings.Join(e.Problems, " ")
}

// AuthError is a failed auth operation with a user-facing message.
type AuthError struct {
	Kind    gateway.ErrorKind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// SessionGateway is the part of the remote gateway the session uses.
type SessionGateway interface {
	GetSession(ctx context.Context) (*backend.Session, error)
	SignIn(ctx context.Context, email, password string) (backend.Session, error)
	SignUp(ctx context.Context, email, password string, attrs map[string]any) (backend.Identity, error)
	SignOut(ctx context.Context)
	OnAuthStateChange(callback func(backend.AuthEvent, *backend.Session)) func()
	UpsertProfile(ctx context.Context, req dto.ProfileUpsertRequest) error
}

// SessionService owns the signed-in user.
type SessionService interface {
	Init(ctx context.Context)
	Login(ctx context.Context, email, password string) error
	Signup(ctx context.Context, email, password, displayName string) error
	Logout(ctx context.Context)
	Identity() *backend.Identity
	Token() string
	Refresh(ctx context.Context)
	OnChange(fn func(ctx context.Context, identity *backend.Identity)) func()
	Snapshot() dto.SessionSnapshot
	Subscribe() (<-chan dto.SessionSnapshot, func())
	Close()
}

type sessionService struct {
	gateway SessionGateway
	logger  zerolog.Logger
	broker  *snapshotBroker[dto.SessionSnapshot]

	mu          sync.Mutex
	session     *backend.Session
	loading     bool
	err         string
	unlisten    func()
	hooks       map[int]func(context.Context, *backend.Identity)
	nextHookID  int
	initialized bool
}

// NewSessionService constructs the session state container.
func NewSessionService(gw SessionGateway, logger zerolog.Logger) SessionService {
	return &sessionService{
		gateway: gw,
		logger:  logger.With().Str("component", "session_service").Logger(),
		broker:  newSnapshotBroker[dto.SessionSnapshot](),
		loading: true,
		hooks:   make(map[int]func(context.Context, *backend.Identity)),
	}
}

// Init restores an existing session and starts following auth changes.
func (s *sessionService) Init(ctx context.Context) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.loading = true
	s.mu.Unlock()

	session, err := s.gateway.GetSession(ctx)
	if err != nil {
		if gateway.IsNotConfigured(err) {
			s.logger.Error().Msg("auth backend is not configured, auth features are disabled")
		} else {
			s.logger.Warn().Err(err).Msg("failed to restore session")
		}
		session = nil
	}

	unlisten := s.gateway.OnAuthStateChange(func(_ backend.AuthEvent, next *backend.Session) {
		s.setSession(context.Background(), next)
	})

	s.mu.Lock()
	s.unlisten = unlisten
	s.loading = false
	s.mu.Unlock()

	s.setSession(ctx, session)
	s.notify()
}

func (s *sessionService) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if !ValidEmail(email) {
		return s.reject(&InputError{Field: "email", Problems: []string{"Please enter a valid email address."}})
	}
	if password == "" {
		return s.reject(&InputError{Field: "password", Problems: []string{"Password is required."}})
	}

	session, err := s.gateway.SignIn(ctx, email, password)
	if err != nil {
		return s.reject(authFailure(err))
	}

	s.clearError()
	s.setSession(ctx, &session)
	return nil
}

// Signup registers an account with a display name. When the backend signs
// the new account in directly, the session and profile are set up as well.
func (s *sessionService) Signup(ctx context.Context, email, password, displayName string) error {
	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	if !ValidEmail(email) {
		return s.reject(&InputError{Field: "email", Problems: []string{"Please enter a valid email address."}})
	}
	if problems := PasswordProblems(password); len(problems) > 0 {
		return s.reject(&InputError{Field: "password", Problems: problems})
	}
	if problem := UsernameProblem(displayName); problem != "" {
		return s.reject(&InputError{Field: "display_name", Problems: []string{problem}})
	}

	identity, err := s.gateway.SignUp(ctx, email, password, map[string]any{"display_name": displayName})
	if err != nil {
		return s.reject(authFailure(err))
	}

	if identity.ID != "" {
		if err := s.gateway.UpsertProfile(ctx, dto.ProfileUpsertRequest{ID: identity.ID, Username: displayName}); err != nil {
			s.logger.Warn().Err(err).Str("user_id", identity.ID).Msg("failed to create profile")
		}
	}

	session, err := s.gateway.GetSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read session after signup")
	}

	s.mu.Lock()
	if session == nil {
		s.err = MsgConfirmationSent
	} else {
		s.err = ""
	}
	s.mu.Unlock()

	s.setSession(ctx, session)
	s.notify()
	return nil
}

// Logout signs out remotely and always clears the local session.
func (s *sessionService) Logout(ctx context.Context) {
	s.gateway.SignOut(ctx)
	s.clearError()
	s.setSession(ctx, nil)
}

func (s *sessionService) Identity() *backend.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	identity := s.session.User
	return &identity
}

func (s *sessionService) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// Refresh rereads the session, picking up changed user metadata.
func (s *sessionService) Refresh(ctx context.Context) {
	session, err := s.gateway.GetSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to refresh session")
		return
	}
	s.setSession(ctx, session)
	s.notify()
}

// OnChange registers fn to run whenever the signed-in user changes. fn
// receives nil on sign-out.
func (s *sessionService) OnChange(fn func(ctx context.Context, identity *backend.Identity)) func() {
	s.mu.Lock()
	id := s.nextHookID
	s.nextHookID++
	s.hooks[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.hooks, id)
		s.mu.Unlock()
	}
}

func (s *sessionService) Snapshot() dto.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := dto.SessionSnapshot{Authenticated: s.session != nil, Loading: s.loading, Error: s.err}
	if s.session != nil {
		identity := s.session.User
		snapshot.User = &dto.SessionUser{
			ID:          identity.ID,
			Email:       identity.Email,
			DisplayName: identity.DisplayName(),
			AvatarURL:   identity.AvatarURL(),
		}
	}
	return snapshot
}

func (s *sessionService) Subscribe() (<-chan dto.SessionSnapshot, func()) {
	return s.broker.subscribe(s.Snapshot)
}

// Close stops following auth changes.
func (s *sessionService) Close() {
	s.mu.Lock()
	unlisten := s.unlisten
	s.unlisten = nil
	s.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	s.broker.close()
}

// setSession stores next and, when the signed-in user changed, syncs the
// profile row and runs the change hooks.
func (s *sessionService) setSession(ctx context.Context, next *backend.Session) {
	s.mu.Lock()
	previousID := ""
	if s.session != nil {
		previousID = s.session.User.ID
	}
	if next != nil {
		copied := *next
		s.session = &copied
	} else {
		s.session = nil
	}
	nextID := ""
	if next != nil {
		nextID = next.User.ID
	}
	hooks := make([]func(context.Context, *backend.Identity), 0, len(s.hooks))
	for _, hook := range s.hooks {
		hooks = append(hooks, hook)
	}
	s.mu.Unlock()

	if previousID == nextID {
		s.notify()
		return
	}

	var identity *backend.Identity
	if next != nil {
		user := next.User
		identity = &user
		s.syncProfile(ctx, user)
		s.logger.Info().Str("user_id", user.ID).Msg("signed in")
	} else {
		s.logger.Info().Str("user_id", previousID).Msg("signed out")
	}

	s.notify()
	for _, hook := range hooks {
		hook(ctx, identity)
	}
}

// syncProfile makes sure the signed-in user has a directory entry.
func (s *sessionService) syncProfile(ctx context.Context, identity backend.Identity) {
	req := dto.ProfileUpsertRequest{ID: identity.ID, Username: identity.ProfileName(), AvatarURL: identity.AvatarURL()}
	if err := s.gateway.UpsertProfile(ctx, req); err != nil {
		s.logger.Warn().Err(err).Str("user_id", identity.ID).Msg("failed to sync profile")
	}
}

func (s *sessionService) reject(err error) error {
	s.mu.Lock()
	s.err = err.Error()
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *sessionService) clearError() {
	s.mu.Lock()
	s.err = ""
	s.mu.Unlock()
}

func (s *sessionService) notify() {
	s.broker.publish(s.Snapshot)
}

// authFailure maps a gateway failure onto a user-facing AuthError.
func authFailure(err error) *AuthError {
	kind := gateway.KindOf(err)
	message := errorMessage(err)
	lower := strings.ToLower(message)

	switch {
	case gateway.IsNotConfigured(err):
		message = gateway.NotConfiguredMessage
	case strings.Contains(lower, "invalid login"), strings.Contains(lower, "invalid credentials"):
		message = MsgInvalidCredentials
	case strings.Contains(lower, "not confirmed"):
		message = MsgEmailNotConfirmed
	case strings.Contains(lower, "already registered"), strings.Contains(lower, "already exists"):
		message = MsgAlreadyRegistered
	case kind == gateway.KindTransient:
		message = MsgAuthUnavailable
	}
	return &AuthError{Kind: kind, Message: message, Err: err}
}

// ValidEmail reports whether email looks like an address.
func ValidEmail(email string) bool {
	return email != "" && emailPattern.MatchString(email)
}

// PasswordProblems lists what a password lacks to be strong enough.
func PasswordProblems(password string) []string {
	if password == "" {
		return []string{"Password is required."}
	}
	var problems []string
	if utf8.RuneCountInString(password) < 8 {
		problems = append(problems, "Password must be at least 8 characters long.")
	}
	if !upperPattern.MatchString(password) {
		problems = append(problems, "Add at least one uppercase letter.")
	}
	if !lowerPattern.MatchString(password) {
		problems = append(problems, "Add at least one lowercase letter.")
	}
	if !digitPattern.MatchString(password) {
		problems = append(problems, "Add at least one number.")
	}
	if !specialPattern.MatchString(password) {
		problems = append(problems, "Add at least one special character (!@#$%^&*).")
	}
	return problems
}

// PasswordStrength scores a password from weak to strong.
func PasswordStrength(password string) string {
	score := 5 - len(PasswordProblems(password))
	if password == "" {
		score = 0
	}
	if utf8.RuneCountInString(password) >= 12 {
		score++
	}
	switch {
	case score >= 5:
		return "strong"
	case score >= 3:
		return "medium"
	default:
		return "weak"
	}
}

// UsernameProblem describes why name is not a valid display name, or returns "".
func UsernameProblem(name string) string {
	length := utf8.RuneCountInString(name)
	switch {
	case name == "":
		return "Username is required."
	case length < 3:
		return "Username must be at least 3 characters long."
	case length > 30:
		return "Username must be at most 30 characters long."
	case !usernamePattern.MatchString(name):
		return "Username can only contain letters, numbers, underscores, and hyphens."
	}
	return ""
}
