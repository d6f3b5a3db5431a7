// Package client composes the state containers into one signed-in client:
// it follows the session and opens or tears down everything that depends on it.
package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/backend"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/gateway"
	"github.com/noah-isme/gema-chat/internal/realtime"
	"github.com/noah-isme/gema-chat/internal/service"
)

// Client is the chat client of one local user.
type Client struct {
	Session      service.SessionService
	Conversation service.ConversationService
	Presence     service.PresenceService
	Profile      service.ProfileService

	router *realtime.Router
	logger zerolog.Logger

	mu       sync.Mutex
	activeID string
	unhook   func()
}

// New wires the services on top of the gateway and the realtime router.
func New(gw *gateway.Gateway, router *realtime.Router, store service.ConversationStore, logger zerolog.Logger) *Client {
	session := service.NewSessionService(gw, logger)
	return &Client{
		Session:      session,
		Conversation: service.NewConversationService(gw, router, store, logger),
		Presence:     service.NewPresenceService(gw, router, logger),
		Profile:      service.NewProfileService(gw, session, logger),
		router:       router,
		logger:       logger.With().Str("component", "chat_client").Logger(),
	}
}

// Start restores the session. Signing in, now or later, opens the
// conversation and the feeds; signing out tears them down.
func (c *Client) Start(ctx context.Context) {
	unhook := c.Session.OnChange(c.handleIdentity)
	c.mu.Lock()
	c.unhook = unhook
	c.mu.Unlock()

	c.Session.Init(ctx)
}

// UpdateProfile edits the local user's profile and reloads the directory.
func (c *Client) UpdateProfile(ctx context.Context, displayName string, avatar *service.AvatarUpload) (dto.User, error) {
	user, err := c.Profile.Update(ctx, displayName, avatar)
	if err != nil {
		return dto.User{}, err
	}
	c.Presence.FetchUsers(ctx)
	c.Session.Refresh(ctx)
	return user, nil
}

// Close tears everything down.
func (c *Client) Close() {
	c.mu.Lock()
	unhook := c.unhook
	c.unhook = nil
	c.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	c.signOut()
	if c.router != nil {
		c.router.Close()
	}
	c.Session.Close()
}

func (c *Client) handleIdentity(ctx context.Context, identity *backend.Identity) {
	if identity == nil {
		c.signOut()
		return
	}

	c.mu.Lock()
	if c.activeID == identity.ID {
		c.mu.Unlock()
		return
	}
	previous := c.activeID
	c.activeID = identity.ID
	c.mu.Unlock()

	if previous != "" {
		c.teardown()
	}
	c.signIn(ctx, *identity)
}

func (c *Client) signIn(ctx context.Context, identity backend.Identity) {
	logger := c.logger.With().Str("user_id", identity.ID).Logger()

	if !c.Conversation.Restore(ctx, identity) {
		c.Conversation.InitDefaultRoom(ctx, false)
	}
	if err := c.Conversation.SubscribeToAllMessages(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to subscribe to messages")
	}
	if err := c.Conversation.SubscribeToReadReceipts(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to subscribe to read receipts")
	}
	if err := c.Presence.SubscribeToPresence(ctx, identity); err != nil {
		logger.Warn().Err(err).Msg("failed to subscribe to presence")
	}
	c.Presence.FetchUsers(ctx)

	logger.Info().Str("room_id", c.Conversation.ActiveRoomID()).Msg("client ready")
}

func (c *Client) signOut() {
	c.mu.Lock()
	wasActive := c.activeID != ""
	c.activeID = ""
	c.mu.Unlock()

	if wasActive {
		c.teardown()
	}
}

func (c *Client) teardown() {
	c.Presence.Unsubscribe()
	c.Conversation.Reset()
}
