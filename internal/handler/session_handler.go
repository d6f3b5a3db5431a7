package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// SessionResponse carries the session snapshot and, when signed in, the
// bearer token for the protected endpoints.
type SessionResponse struct {
	Session     dto.SessionSnapshot `json:"session"`
	AccessToken string              `json:"access_token,omitempty"`
}

// SessionHandler exposes sign-in, sign-up and sign-out.
type SessionHandler struct {
	service   service.SessionService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSessionHandler creates a session handler instance.
func NewSessionHandler(svc service.SessionService, validate *validator.Validate, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		service:   svc,
		validator: validate,
		logger:    logger.With().Str("component", "session_handler").Logger(),
	}
}

// Register binds session routes. Login and signup pass only through limit;
// the remaining routes require auth.
func (h *SessionHandler) Register(router fiber.Router, auth, limit fiber.Handler) {
	router.Post("/login", limit, h.login)
	router.Post("/signup", limit, h.signup)
	router.Get("/", auth, h.current)
	router.Post("/logout", auth, h.logout)
}

func (h *SessionHandler) current(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "session", h.response())
}

func (h *SessionHandler) login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := parseBody(c, h.validator, &req); err != nil {
		return sendBodyError(c, err)
	}

	if err := h.service.Login(requestContext(c), req.Email, req.Password); err != nil {
		requestLogger(h.logger, c).Info().Err(err).Msg("login rejected")
		return sendServiceError(c, err)
	}
	return utils.SendSuccess(c, "signed in", h.response())
}

func (h *SessionHandler) signup(c *fiber.Ctx) error {
	var req dto.SignupRequest
	if err := parseBody(c, h.validator, &req); err != nil {
		return sendBodyError(c, err)
	}

	if err := h.service.Signup(requestContext(c), req.Email, req.Password, req.DisplayName); err != nil {
		requestLogger(h.logger, c).Info().Err(err).Msg("signup rejected")
		return sendServiceError(c, err)
	}

	resp := h.response()
	if !resp.Session.Authenticated {
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, service.MsgConfirmationSent, resp)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "account created", resp)
}

func (h *SessionHandler) logout(c *fiber.Ctx) error {
	h.service.Logout(requestContext(c))
	return utils.SendSuccess(c, "signed out", h.response())
}

func (h *SessionHandler) response() SessionResponse {
	return SessionResponse{Session: h.service.Snapshot(), AccessToken: h.service.Token()}
}
