package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// ConversationHandler exposes the conversation commands. Every command
// answers with the resulting snapshot; command failures are reported in the
// snapshot's error fields rather than as HTTP errors.
type ConversationHandler struct {
	service   service.ConversationService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewConversationHandler creates a conversation handler instance.
func NewConversationHandler(svc service.ConversationService, validate *validator.Validate, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		service:   svc,
		validator: validate,
		logger:    logger.With().Str("component", "conversation_handler").Logger(),
	}
}

// Register binds conversation routes under the provided router group.
func (h *ConversationHandler) Register(router fiber.Router) {
	router.Get("/", h.snapshot)
	router.Put("/input", h.setInput)
	router.Post("/rooms/default", h.selectDefault)
	router.Post("/rooms/direct", h.selectDirect)
	router.Post("/rooms/read", h.markRoomRead)
	router.Post("/messages", h.send)
	router.Patch("/messages/:id", h.edit)
	router.Delete("/messages/:id", h.remove)
	router.Post("/reads", h.markRead)
}

func (h *ConversationHandler) snapshot(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "conversation", h.service.Snapshot())
}

func (h *ConversationHandler) setInput(c *fiber.Ctx) error {
	var req dto.InputRequest
	if err := parseBody(c, h.validator, &req); err != nil {
		return sendBodyError(c, err)
	}
	h.service.SetInput(req.Text)
	return h.snapshot(c)
}

func (h *ConversationHandler) selectDefault(c *fiber.Ctx) error {
	h.service.SelectRoom(requestContext(c), service.DefaultRoom())
	return h.snapshot(c)
}

func (h *ConversationHandler) selectDirect(c *fiber.Ctx) error {
	var req dto.DirectRoomRequest
	if err := parseBody(c, h.validator, &req); err != nil {
		return sendBodyError(c, err)
	}
	if localID := h.service.LocalUserID(); localID != "" && req.PeerID == localID {
		return utils.Fail(c, fiber.StatusUnprocessableEntity, "cannot open a direct room with yourself", nil)
	}

	peer := dto.User{ID: req.PeerID, DisplayName: strings.TrimSpace(req.DisplayName), AvatarURL: req.AvatarURL}
	h.service.SelectRoom(requestContext(c), service.PeerRoom(peer))
	return h.snapshot(c)
}

func (h *ConversationHandler) markRoomRead(c *fiber.Ctx) error {
	h.service.MarkRoomRead(requestContext(c))
	return h.snapshot(c)
}

// send posts the given text, or the current composer input when the body
// carries none.
func (h *ConversationHandler) send(c *fiber.Ctx) error {
	var req dto.SendRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, h.validator, &req); err != nil {
			return sendBodyError(c, err)
		}
	}

	text := h.service.Snapshot().Input
	if req.Text != nil {
		text = *req.Text
	}
	h.service.Send(requestContext(c), text)
	return h.snapshot(c)
}

func (h *ConversationHandler) edit(c *fiber.Ctx) error {
	var req dto.EditRequest
	if err := parseBody(c, h.validator, &req); err != nil {
		return sendBodyError(c, err)
	}
	h.service.Edit(requestContext(c), c.Params("id"), req.Content)
	return h.snapshot(c)
}

func (h *ConversationHandler) remove(c *fiber.Ctx) error {
	h.service.Delete(requestContext(c), c.Params("id"))
	return h.snapshot(c)
}

func (h *ConversationHandler) markRead(c *fiber.Ctx) error {
	var req dto.MarkReadRequest
	if err := parseBody(c, h.validator, &req); err != nil {
		return sendBodyError(c, err)
	}
	h.service.MarkRead(requestContext(c), req.MessageIDs)
	return h.snapshot(c)
}
