package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/logging"
	"github.com/ahrdadan/capq/internal/security"
)

// AccessLog writes one zerolog line per request. It runs the error handler
// itself so the logged status is the one the client sees.
func AccessLog(logger zerolog.Logger) fiber.Handler {
	logger = logging.Scoped(logger, "http")

	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		var event *zerolog.Event
		switch {
		case status >= fiber.StatusInternalServerError:
			event = logger.Error()
		case status >= fiber.StatusBadRequest:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		requestID, _ := c.Locals(security.LocalRequestID).(string)
		event.
			Str("request_id", requestID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.IP()).
			Msg("request")
		return nil
	}
}
