// Package gateway wraps every remote backend operation with validation,
// retries, tracing and a uniform error shape.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/retry"
)

const (
	defaultRoomName = "General"
	profileCacheKey = "chat:profile:"
	outcomeOK       = "ok"
)

// AvatarStore uploads avatar images and returns their public URL.
type AvatarStore interface {
	UploadAvatar(ctx context.Context, userID, filename string, data []byte) (string, error)
}

// Options tune the gateway.
type Options struct {
	// Policy is the data-operation policy; auth and logout derive from it.
	Policy          retry.Policy
	DefaultRoomName string
	ProfileCacheTTL time.Duration
	Avatars         AvatarStore
}

// Gateway exposes one method per remote operation.
type Gateway struct {
	store     backend.Datastore
	auth      backend.AuthProvider
	cache     *redis.Client
	avatars   AvatarStore
	validator *validator.Validate
	tracer    trace.Tracer
	logger    zerolog.Logger

	policy        retry.Policy
	authPolicy    retry.Policy
	logoutPolicy  retry.Policy
	profilePolicy retry.Policy
	defaultRoom   string
	cacheTTL      time.Duration
	now           func() time.Time
}

// New constructs a gateway. store and auth may be nil when the backend is not
// configured; cache may be nil to disable profile caching.
func New(store backend.Datastore, auth backend.AuthProvider, cache *redis.Client, validate *validator.Validate, opts Options, logger zerolog.Logger) *Gateway {
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.Default()
	}
	room := strings.TrimSpace(opts.DefaultRoomName)
	if room == "" {
		room = defaultRoomName
	}
	if validate == nil {
		validate = validator.New()
	}

	return &Gateway{
		store:         store,
		auth:          auth,
		cache:         cache,
		avatars:       opts.Avatars,
		validator:     validate,
		tracer:        otel.Tracer("github.com/noah-isme/gema-chat/internal/gateway"),
		logger:        logger.With().Str("component", "remote_gateway").Logger(),
		policy:        policy,
		authPolicy:    policy.WithRetries(2),
		logoutPolicy:  policy.WithRetries(1),
		profilePolicy: policy.WithRetries(0),
		defaultRoom:   room,
		cacheTTL:      opts.ProfileCacheTTL,
		now:           time.Now,
	}
}

// Configured reports whether a datastore is attached.
func (g *Gateway) Configured() bool {
	return g.store != nil
}

// DefaultRoomName is the well-known name of the shared room.
func (g *Gateway) DefaultRoomName() string {
	return g.defaultRoom
}

func call[T any](ctx context.Context, g *Gateway, op string, policy retry.Policy, authOp bool, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := g.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attrs...))
	defer span.End()

	result, err := retry.Do(ctx, policy.Named(op), fn)
	if err != nil {
		remote := classify(op, authOp, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, remote.Message)
		observability.GatewayOperations().WithLabelValues(op, string(remote.Kind)).Inc()
		g.logger.Warn().Err(err).Str("operation", op).Str("kind", string(remote.Kind)).Int("status", remote.Status).Msg("remote operation failed")
		var zero T
		return zero, remote
	}

	observability.GatewayOperations().WithLabelValues(op, outcomeOK).Inc()
	return result, nil
}

func (g *Gateway) reject(op string, err *RemoteError) *RemoteError {
	observability.GatewayOperations().WithLabelValues(op, string(err.Kind)).Inc()
	return err
}

// FetchMessages returns the stored messages of a room ordered by creation time.
func (g *Gateway) FetchMessages(ctx context.Context, roomID string) ([]dto.MessageRecord, error) {
	const op = "fetch_messages"
	if g.store == nil {
		return nil, g.reject(op, notConfigured(op))
	}
	if roomID == "" {
		return nil, nil
	}

	return call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.room_id", roomID)},
		func(ctx context.Context) ([]dto.MessageRecord, error) {
			rows, err := g.store.ListMessages(ctx, roomID)
			if err != nil {
				return nil, err
			}
			return dto.NewMessageRecordSlice(rows), nil
		})
}

// SendMessage writes a message under its client-chosen id. A conflict on a
// retried attempt means an earlier attempt was committed, so it counts as success.
func (g *Gateway) SendMessage(ctx context.Context, req dto.SendMessageRequest) error {
	const op = "send_message"
	if g.store == nil {
		return g.reject(op, notConfigured(op))
	}
	if err := g.validator.Struct(req); err != nil {
		return g.reject(op, validationError(op, err))
	}

	attempt := 0
	_, err := call(ctx, g, op, g.policy, false, []attribute.KeyValue{
		attribute.String("chat.room_id", req.RoomID),
		attribute.String("chat.message_id", req.ID),
	}, func(ctx context.Context) (struct{}, error) {
		attempt++
		message := &models.Message{
			ID:       req.ID,
			RoomID:   req.RoomID,
			UserID:   req.UserID,
			Username: req.Username,
			Content:  req.Content,
		}
		err := g.store.InsertMessage(ctx, message)
		if attempt > 1 && backend.StatusOf(err) == http.StatusConflict {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

// EditMessage replaces the content of a message.
func (g *Gateway) EditMessage(ctx context.Context, id, content string) error {
	const op = "edit_message"
	if g.store == nil {
		return g.reject(op, notConfigured(op))
	}
	req := dto.EditMessageRequest{ID: id, Content: content}
	if err := g.validator.Struct(req); err != nil {
		return g.reject(op, validationError(op, err))
	}

	_, err := call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.message_id", id)},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.store.UpdateMessageContent(ctx, id, content, g.now().UTC())
		})
	return err
}

// DeleteMessage removes a message.
func (g *Gateway) DeleteMessage(ctx context.Context, id string) error {
	const op = "delete_message"
	if g.store == nil {
		return g.reject(op, notConfigured(op))
	}
	if strings.TrimSpace(id) == "" {
		return g.reject(op, &RemoteError{Op: op, Kind: KindValidation, Status: http.StatusBadRequest, Message: "message id is required"})
	}

	_, err := call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.message_id", id)},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.store.DeleteMessage(ctx, id)
		})
	return err
}

// ResolveDirectRoom returns the direct room shared by the signed-in user and peerUserID.
func (g *Gateway) ResolveDirectRoom(ctx context.Context, peerUserID string) (string, error) {
	const op = "resolve_direct_room"
	if g.store == nil {
		return "", g.reject(op, notConfigured(op))
	}
	if strings.TrimSpace(peerUserID) == "" {
		return "", g.reject(op, &RemoteError{Op: op, Kind: KindValidation, Status: http.StatusBadRequest, Message: "peer user id is required"})
	}
	userID, err := g.currentUserID(ctx, op)
	if err != nil {
		return "", err
	}

	return call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.peer_id", peerUserID)},
		func(ctx context.Context) (string, error) {
			return g.store.GetOrCreateDirectRoom(ctx, userID, peerUserID)
		})
}

// ResolveDefaultRoom returns the shared room, creating it when missing.
func (g *Gateway) ResolveDefaultRoom(ctx context.Context) (string, error) {
	const op = "resolve_default_room"
	if g.store == nil {
		return "", g.reject(op, notConfigured(op))
	}

	return call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.room_name", g.defaultRoom)},
		func(ctx context.Context) (string, error) {
			room, err := g.store.FindRoomByName(ctx, g.defaultRoom)
			if err != nil {
				return "", err
			}
			if room != nil {
				return room.ID, nil
			}
			g.logger.Info().Str("room", g.defaultRoom).Msg("default room not found, creating it")
			created, err := g.store.CreateRoom(ctx, g.defaultRoom)
			if err != nil {
				return "", err
			}
			return created.ID, nil
		})
}

// FetchUsers returns the user directory ordered by name.
func (g *Gateway) FetchUsers(ctx context.Context) ([]dto.User, error) {
	const op = "fetch_users"
	if g.store == nil {
		return nil, g.reject(op, notConfigured(op))
	}

	return call(ctx, g, op, g.policy, false, nil, func(ctx context.Context) ([]dto.User, error) {
		profiles, err := g.store.ListProfiles(ctx)
		if err != nil {
			return nil, err
		}
		return dto.NewUserSlice(profiles), nil
	})
}

// FetchProfile returns the joined profile shape of a user, or nil when the
// user has no profile. It is attempted once and cached when Redis is attached.
func (g *Gateway) FetchProfile(ctx context.Context, userID string) (*dto.ProfileRecord, error) {
	const op = "fetch_profile"
	if g.store == nil {
		return nil, g.reject(op, notConfigured(op))
	}
	if userID == "" {
		return nil, nil
	}
	if cached := g.cachedProfile(ctx, userID); cached != nil {
		return cached, nil
	}

	record, err := call(ctx, g, op, g.profilePolicy, false, []attribute.KeyValue{attribute.String("chat.user_id", userID)},
		func(ctx context.Context) (*dto.ProfileRecord, error) {
			profile, err := g.store.GetProfile(ctx, userID)
			if err != nil || profile == nil {
				return nil, err
			}
			return dto.NewProfileRecord(*profile), nil
		})
	if err != nil || record == nil {
		return record, err
	}

	g.cacheProfile(ctx, userID, record)
	return record, nil
}

// FetchReadReceipts returns the read markers of the given messages.
func (g *Gateway) FetchReadReceipts(ctx context.Context, messageIDs []string) ([]dto.ReadRecord, error) {
	const op = "fetch_read_receipts"
	if g.store == nil {
		return nil, g.reject(op, notConfigured(op))
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	return call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.Int("chat.message_count", len(messageIDs))},
		func(ctx context.Context) ([]dto.ReadRecord, error) {
			rows, err := g.store.ListReads(ctx, messageIDs)
			if err != nil {
				return nil, err
			}
			out := make([]dto.ReadRecord, 0, len(rows))
			for _, row := range rows {
				out = append(out, dto.ReadRecord{MessageID: row.MessageID, UserID: row.UserID})
			}
			return out, nil
		})
}

// UpsertReadReceipts marks the given messages as read by userID.
func (g *Gateway) UpsertReadReceipts(ctx context.Context, userID string, messageIDs []string) error {
	const op = "upsert_read_receipts"
	if g.store == nil {
		return g.reject(op, notConfigured(op))
	}
	if userID == "" || len(messageIDs) == 0 {
		return nil
	}

	reads := make([]models.MessageRead, 0, len(messageIDs))
	for _, id := range messageIDs {
		reads = append(reads, models.MessageRead{MessageID: id, UserID: userID})
	}
	_, err := call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.Int("chat.message_count", len(messageIDs))},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.store.UpsertReads(ctx, reads)
		})
	return err
}

// MarkRoomRead marks every message of the room not authored by the signed-in
// user as read by them.
func (g *Gateway) MarkRoomRead(ctx context.Context, roomID string) error {
	const op = "mark_room_read"
	if g.store == nil {
		return g.reject(op, notConfigured(op))
	}
	if roomID == "" {
		return nil
	}
	userID, err := g.currentUserID(ctx, op)
	if err != nil {
		return err
	}

	_, err = call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.room_id", roomID)},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.store.MarkRoomMessagesRead(ctx, roomID, userID)
		})
	return err
}

// UpsertProfile writes a profile row keyed by id.
func (g *Gateway) UpsertProfile(ctx context.Context, req dto.ProfileUpsertRequest) error {
	const op = "upsert_profile"
	if g.store == nil {
		return g.reject(op, notConfigured(op))
	}
	if err := g.validator.Struct(req); err != nil {
		return g.reject(op, validationError(op, err))
	}

	_, err := call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.user_id", req.ID)},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.store.UpsertProfile(ctx, &models.Profile{ID: req.ID, Username: req.Username, AvatarURL: req.AvatarURL})
		})
	if err == nil {
		g.evictProfile(ctx, req.ID)
	}
	return err
}

// UploadAvatar stores avatar bytes and returns the public URL.
func (g *Gateway) UploadAvatar(ctx context.Context, userID, filename string, data []byte) (string, error) {
	const op = "upload_avatar"
	if g.avatars == nil {
		return "", g.reject(op, &RemoteError{Op: op, Kind: KindNotConfigured, Message: "avatar uploads are not configured"})
	}
	if userID == "" || len(data) == 0 {
		return "", g.reject(op, &RemoteError{Op: op, Kind: KindValidation, Status: http.StatusBadRequest, Message: "avatar file is required"})
	}

	return call(ctx, g, op, g.policy, false, []attribute.KeyValue{attribute.String("chat.user_id", userID), attribute.Int("chat.avatar_bytes", len(data))},
		func(ctx context.Context) (string, error) {
			return g.avatars.UploadAvatar(ctx, userID, filename, data)
		})
}

// GetSession returns the current session, or nil when signed out.
func (g *Gateway) GetSession(ctx context.Context) (*backend.Session, error) {
	const op = "get_session"
	if g.auth == nil {
		return nil, g.reject(op, notConfigured(op))
	}
	return call(ctx, g, op, g.authPolicy, true, nil, g.auth.GetSession)
}

// SignIn authenticates with email and password.
func (g *Gateway) SignIn(ctx context.Context, email, password string) (backend.Session, error) {
	const op = "sign_in"
	if g.auth == nil {
		return backend.Session{}, g.reject(op, notConfigured(op))
	}
	return call(ctx, g, op, g.authPolicy, true, nil, func(ctx context.Context) (backend.Session, error) {
		return g.auth.SignIn(ctx, email, password)
	})
}

// SignUp registers a new account carrying attrs as metadata.
func (g *Gateway) SignUp(ctx context.Context, email, password string, attrs map[string]any) (backend.Identity, error) {
	const op = "sign_up"
	if g.auth == nil {
		return backend.Identity{}, g.reject(op, notConfigured(op))
	}
	return call(ctx, g, op, g.authPolicy, true, nil, func(ctx context.Context) (backend.Identity, error) {
		return g.auth.SignUp(ctx, email, password, attrs)
	})
}

// SignOut ends the remote session. Failures are logged and swallowed so the
// local sign-out always proceeds.
func (g *Gateway) SignOut(ctx context.Context) {
	const op = "sign_out"
	if g.auth == nil {
		return
	}
	if _, err := call(ctx, g, op, g.logoutPolicy, true, nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.auth.SignOut(ctx)
	}); err != nil {
		g.logger.Warn().Err(err).Msg("remote sign out failed, continuing with local sign out")
	}
}

// OnAuthStateChange registers an auth listener. Without a provider the
// returned unsubscribe is a no-op.
func (g *Gateway) OnAuthStateChange(callback func(backend.AuthEvent, *backend.Session)) func() {
	if g.auth == nil {
		return func() {}
	}
	return g.auth.OnAuthStateChange(callback)
}

func (g *Gateway) currentUserID(ctx context.Context, op string) (string, error) {
	if g.auth == nil {
		return "", g.reject(op, &RemoteError{Op: op, Kind: KindAuth, Status: http.StatusUnauthorized, Message: "not signed in"})
	}
	session, err := g.auth.GetSession(ctx)
	if err != nil {
		return "", g.reject(op, classify(op, true, err))
	}
	if session == nil || session.User.ID == "" {
		return "", g.reject(op, &RemoteError{Op: op, Kind: KindAuth, Status: http.StatusUnauthorized, Message: "not signed in"})
	}
	return session.User.ID, nil
}

func (g *Gateway) cachedProfile(ctx context.Context, userID string) *dto.ProfileRecord {
	if g.cache == nil || g.cacheTTL <= 0 {
		return nil
	}
	raw, err := g.cache.Get(ctx, profileCacheKey+userID).Bytes()
	if err != nil {
		return nil
	}
	var record dto.ProfileRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to unmarshal cached profile")
		return nil
	}
	return &record
}

func (g *Gateway) cacheProfile(ctx context.Context, userID string, record *dto.ProfileRecord) {
	if g.cache == nil || g.cacheTTL <= 0 {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		g.logger.Warn().Err(err).Msg("failed to marshal profile for cache")
		return
	}
	if err := g.cache.Set(ctx, profileCacheKey+userID, payload, g.cacheTTL).Err(); err != nil {
		g.logger.Warn().Err(err).Msg("failed to cache profile")
	}
}

func (g *Gateway) evictProfile(ctx context.Context, userID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Del(ctx, profileCacheKey+userID).Err(); err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to evict cached profile")
	}
}
