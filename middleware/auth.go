// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"soullink-events/services"
)

const identityLocal = "identity"

// IdentityFrom returns the caller attached by PlayerAuthMiddleware or LiveAuthMiddleware.
func IdentityFrom(c *fiber.Ctx) (services.Identity, bool) {
	ident, ok := c.Locals(identityLocal).(services.Identity)
	return ident, ok
}

// PlayerAuthMiddleware authenticates REST callers from X-Session-Token or, failing that,
// an Authorization: Bearer legacy credential.
func PlayerAuthMiddleware(auth *services.Authenticator, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		session := strings.TrimSpace(c.Get("X-Session-Token"))
		bearer := bearerToken(c.Get(fiber.HeaderAuthorization))

		ident, err := auth.Authenticate(c.UserContext(), session, bearer)
		if err != nil {
			logger.Info("[AUTH] rejected request",
				zap.String("path", c.Path()),
				zap.Bool("session_presented", session != ""),
				zap.Bool("bearer_presented", bearer != ""),
				zap.Error(err),
			)
			return RespondError(c, logger, err)
		}

		c.Locals(identityLocal, ident)
		return c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
