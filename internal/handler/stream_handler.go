package handler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/service"
)

// Envelope types pushed over the stream.
const (
	StreamSession      = "session"
	StreamConversation = "conversation"
	StreamPresence     = "presence"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// StreamHandler pushes state snapshots to the presentation layer over a
// websocket. Each connection receives the current snapshots on connect and
// the latest snapshot after every change; intermediate snapshots may be
// skipped for a slow reader.
type StreamHandler struct {
	session      service.SessionService
	conversation service.ConversationService
	presence     service.PresenceService
	logger       zerolog.Logger
}

// NewStreamHandler creates a stream handler instance.
func NewStreamHandler(session service.SessionService, conversation service.ConversationService, presence service.PresenceService, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		session:      session,
		conversation: conversation,
		presence:     presence,
		logger:       logger.With().Str("component", "stream_handler").Logger(),
	}
}

// Register binds the websocket upgrade at the root of the provided group.
func (h *StreamHandler) Register(router fiber.Router) {
	router.Use(func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/", websocket.New(h.handleConnection))
}

func (h *StreamHandler) handleConnection(conn *websocket.Conn) {
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	logger := h.logger.With().Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).Logger()

	observability.StreamClientsActive().Inc()
	defer observability.StreamClientsActive().Dec()
	logger.Info().Msg("stream client connected")

	client := &streamClient{conn: conn, logger: logger}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		client.reader()
	}()

	h.writer(ctx, client)
	client.close()
	<-readerDone

	logger.Info().Msg("stream client disconnected")
}

// writer forwards snapshots until the connection or a source closes.
func (h *StreamHandler) writer(ctx context.Context, client *streamClient) {
	sessions, stopSessions := h.session.Subscribe()
	defer stopSessions()
	conversations, stopConversations := h.conversation.Subscribe()
	defer stopConversations()
	presences, stopPresences := h.presence.Subscribe()
	defer stopPresences()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		var envelope dto.StreamEnvelope
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-sessions:
			if !ok {
				return
			}
			envelope = dto.StreamEnvelope{Type: StreamSession, Data: snapshot}
		case snapshot, ok := <-conversations:
			if !ok {
				return
			}
			envelope = dto.StreamEnvelope{Type: StreamConversation, Data: snapshot}
		case snapshot, ok := <-presences:
			if !ok {
				return
			}
			envelope = dto.StreamEnvelope{Type: StreamPresence, Data: snapshot}
		case <-ticker.C:
			if err := client.ping(); err != nil {
				client.logger.Debug().Err(err).Msg("stream ping failed")
				return
			}
			continue
		}

		if err := client.write(envelope); err != nil {
			client.logger.Debug().Err(err).Msg("stream write loop terminated")
			return
		}
	}
}

type streamClient struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	once    sync.Once
}

// reader drains inbound frames so control frames are handled; it returns
// when the peer goes away.
func (c *streamClient) reader() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logger.Debug().Err(err).Msg("stream read loop ended")
			return
		}
	}
}

func (c *streamClient) write(envelope dto.StreamEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteJSON(envelope)
}

func (c *streamClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(streamWriteTimeout))
}

func (c *streamClient) close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}
