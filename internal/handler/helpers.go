package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/gateway"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

var errInvalidPayload = errors.New("invalid payload")

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

// parseBody decodes the JSON body into dest and validates its tags.
func parseBody(c *fiber.Ctx, validate *validator.Validate, dest interface{}) error {
	if err := c.BodyParser(dest); err != nil {
		return errInvalidPayload
	}
	if validate == nil {
		return nil
	}
	return validate.Struct(dest)
}

func sendBodyError(c *fiber.Ctx, err error) error {
	if isValidationError(err) {
		return utils.Fail(c, fiber.StatusUnprocessableEntity, "validation failed", validationDetails(err))
	}
	return utils.Fail(c, fiber.StatusBadRequest, errInvalidPayload.Error(), nil)
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[toSnake(fieldErr.Field())] = fieldErr.Tag()
	}
	return details
}

// sendServiceError maps service and gateway failures onto HTTP responses.
func sendServiceError(c *fiber.Ctx, err error) error {
	var inputErr *service.InputError
	if errors.As(err, &inputErr) {
		return utils.Fail(c, fiber.StatusUnprocessableEntity, inputErr.Error(), map[string][]string{inputErr.Field: inputErr.Problems})
	}

	var authErr *service.AuthError
	if errors.As(err, &authErr) {
		return utils.Fail(c, statusForKind(authErr.Kind, fiber.StatusUnauthorized), authErr.Message, nil)
	}

	if errors.Is(err, service.ErrNotSignedIn) {
		return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
	}

	var remote *gateway.RemoteError
	if errors.As(err, &remote) {
		return utils.Fail(c, statusForKind(remote.Kind, fiber.StatusBadGateway), remote.Message, nil)
	}
	return utils.Fail(c, fiber.StatusInternalServerError, "internal error", nil)
}

func statusForKind(kind gateway.ErrorKind, fallback int) int {
	switch kind {
	case gateway.KindAuth:
		return fiber.StatusUnauthorized
	case gateway.KindValidation:
		return fiber.StatusUnprocessableEntity
	case gateway.KindNotFound:
		return fiber.StatusNotFound
	case gateway.KindNotConfigured, gateway.KindTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fallback
	}
}

func toSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
