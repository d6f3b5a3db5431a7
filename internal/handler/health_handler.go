package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Service        string    `json:"service"`
	Environment    string    `json:"environment"`
	Backend        string    `json:"backend"`
	RealtimeDriver string    `json:"realtime_driver"`
}

// HealthCheck returns a handler that reports application health information.
// A daemon without a backend is healthy but reports it as not configured.
func HealthCheck(cfg config.Config) fiber.Handler {
	backend := "configured"
	if !cfg.BackendConfigured() {
		backend = "not_configured"
	}

	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:         "ok",
			Timestamp:      time.Now().UTC(),
			Service:        cfg.AppName,
			Environment:    cfg.AppEnv,
			Backend:        backend,
			RealtimeDriver: cfg.RealtimeDriver,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
