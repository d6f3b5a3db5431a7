package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SessionHandler      *handler.SessionHandler
	ConversationHandler *handler.ConversationHandler
	PresenceHandler     *handler.PresenceHandler
	ProfileHandler      *handler.ProfileHandler
	StreamHandler       *handler.StreamHandler
	// BearerMiddleware guards every route except health, login, signup and
	// metrics. Nil leaves them open, which is only used without a backend.
	BearerMiddleware fiber.Handler
	Logger           zerolog.Logger
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler(deps.Logger))

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	bearer := deps.BearerMiddleware
	if bearer == nil {
		bearer = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.SessionHandler != nil {
		deps.SessionHandler.Register(api.Group("/session"), bearer, middleware.RateLimit("session", 10, time.Minute))
	}

	if deps.ConversationHandler != nil {
		conversation := api.Group("/conversation", bearer)
		deps.ConversationHandler.Register(conversation)
	}

	if deps.PresenceHandler != nil {
		deps.PresenceHandler.Register(api.Group("/presence", bearer))
	}

	if deps.ProfileHandler != nil {
		deps.ProfileHandler.Register(api.Group("/profile", bearer))
	}

	if deps.StreamHandler != nil {
		deps.StreamHandler.Register(api.Group("/stream", bearer))
	}
}
