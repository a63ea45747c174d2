// middleware/errors.go
package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"soullink-events/services"
)

// RespondError writes err in the service's error body shape. Pipeline rejections keep
// their message; anything else is logged and hidden behind "internal error".
func RespondError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	var pe *services.PipelineError
	if !errors.As(err, &pe) {
		logger.Error("[HTTP] internal error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(StatusFor(pe.Kind)).JSON(fiber.Map{
		"error": pe.Message,
		"kind":  pe.Kind.String(),
	})
}

func StatusFor(kind services.ErrorKind) int {
	switch kind {
	case services.KindValidation:
		return fiber.StatusBadRequest
	case services.KindAuth:
		return fiber.StatusUnauthorized
	case services.KindForbidden:
		return fiber.StatusForbidden
	case services.KindConflict:
		return fiber.StatusConflict
	case services.KindNotFound:
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}
