package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/auth"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// TokenVerifier checks a session token and returns its claims.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// Bearer rejects requests that do not carry the current session token. The
// token is read from the Authorization header or, for websocket upgrades
// that cannot set headers, from the access_token query parameter.
func Bearer(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return utils.Fail(c, fiber.StatusUnauthorized, "authorization header missing", nil)
		}
		if token == "" {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token", nil)
		}

		claims, err := verifier.VerifyToken(token)
		if err != nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "invalid token", nil)
		}

		c.Locals("user_id", claims.Subject)
		c.Locals("user_email", claims.Email)
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	authorization := c.Get(fiber.HeaderAuthorization)
	if authorization == "" {
		if query := strings.TrimSpace(c.Query("access_token")); query != "" {
			return query, true
		}
		return "", false
	}

	const bearer = "bearer "
	if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
		return "", true
	}
	return strings.TrimSpace(authorization[len(bearer):]), true
}
