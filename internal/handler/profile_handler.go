package handler

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// maxAvatarFormBytes caps how much of an uploaded file is read; the service
// enforces the real limit and reports it.
const maxAvatarFormBytes = 6 << 20

// ProfileUpdater edits the local user's profile.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, displayName string, avatar *service.AvatarUpload) (dto.User, error)
}

// ProfileHandler handles profile edits.
type ProfileHandler struct {
	profiles ProfileUpdater
	logger   zerolog.Logger
}

// NewProfileHandler constructs a profile handler.
func NewProfileHandler(profiles ProfileUpdater, logger zerolog.Logger) *ProfileHandler {
	return &ProfileHandler{
		profiles: profiles,
		logger:   logger.With().Str("component", "profile_handler").Logger(),
	}
}

// Register wires profile routes.
func (h *ProfileHandler) Register(router fiber.Router) {
	router.Put("/", h.update)
}

func (h *ProfileHandler) update(c *fiber.Ctx) error {
	displayName := c.FormValue("display_name")

	var avatar *service.AvatarUpload
	if file, err := c.FormFile("avatar"); err == nil {
		if file.Size > maxAvatarFormBytes {
			return sendServiceError(c, &service.InputError{Field: "avatar", Problems: []string{service.ErrAvatarTooLarge.Error()}})
		}
		f, err := file.Open()
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "avatar could not be read")
		}
		data, err := io.ReadAll(io.LimitReader(f, maxAvatarFormBytes+1))
		_ = f.Close()
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "avatar could not be read")
		}
		avatar = &service.AvatarUpload{Filename: file.Filename, Data: data}
	}

	user, err := h.profiles.UpdateProfile(requestContext(c), displayName, avatar)
	if err != nil {
		var inputErr *service.InputError
		if !errors.As(err, &inputErr) {
			requestLogger(h.logger, c).Error().Err(err).Msg("profile update failed")
		}
		return sendServiceError(c, err)
	}

	return utils.SendSuccess(c, "profile updated", user)
}
