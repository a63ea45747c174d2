// middleware/live_auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"soullink-events/services"
)

// LiveAuthMiddleware authenticates a live-channel handshake before the upgrade, so a bad
// credential gets an HTTP error instead of an open socket.
//
// Browsers cannot set headers on websocket handshakes, so tokens come from the query:
// ?session=<session token> (preferred) or ?token=<legacy bearer>. Headers are accepted too.
//
// Usage:
//
//	app.Get("/ws/runs/:run_id", middleware.LiveAuthMiddleware(auth, logger), live.Upgrade())
func LiveAuthMiddleware(auth *services.Authenticator, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "websocket upgrade required"})
		}

		session := strings.TrimSpace(c.Query("session"))
		if session == "" {
			session = strings.TrimSpace(c.Get("X-Session-Token"))
		}
		bearer := strings.TrimSpace(c.Query("token"))
		if bearer == "" {
			bearer = bearerToken(c.Get(fiber.HeaderAuthorization))
		}

		ident, err := auth.Authenticate(c.UserContext(), session, bearer)
		if err != nil {
			logger.Info("[LIVE] handshake rejected",
				zap.String("run_id", c.Params("run_id")),
				zap.String("remote", c.IP()),
				zap.Error(err),
			)
			return RespondError(c, logger, err)
		}

		runID := c.Params("run_id")
		if !ident.CanAccessRun(runID) {
			logger.Info("[LIVE] handshake for foreign run",
				zap.String("run_id", runID),
				zap.String("player_id", ident.PlayerID),
			)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "credential is not valid for this run"})
		}

		c.Locals(identityLocal, ident)
		return c.Next()
	}
}
