package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// PresenceHandler exposes the user directory and online set.
type PresenceHandler struct {
	service service.PresenceService
}

// NewPresenceHandler creates a presence handler instance.
func NewPresenceHandler(svc service.PresenceService) *PresenceHandler {
	return &PresenceHandler{service: svc}
}

// Register binds presence routes under the provided router group.
func (h *PresenceHandler) Register(router fiber.Router) {
	router.Get("/", h.snapshot)
	router.Post("/refresh", h.refresh)
}

func (h *PresenceHandler) snapshot(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "presence", h.service.Snapshot())
}

func (h *PresenceHandler) refresh(c *fiber.Ctx) error {
	h.service.FetchUsers(requestContext(c))
	return h.snapshot(c)
}
