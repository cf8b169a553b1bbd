package security

import (
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Header names used by the middleware.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotencyKeyAlt  = "X-Idempotency-Key"
	HeaderIdempotentReplayed = "X-Idempotency-Replayed"

	// LocalRequestID is the fiber.Ctx locals key holding the request id.
	LocalRequestID = "requestID"
)

// DefaultMaxBody is the request body limit of RequestValidation.
const DefaultMaxBody = 1 << 20

// ClientKey identifies the caller for rate limiting and idempotency scoping.
// Only the remote address is used; request headers are caller controlled.
func ClientKey(c *fiber.Ctx) string {
	return "ip:" + c.IP()
}

// IdempotencyKey returns the request's idempotency key, if any.
func IdempotencyKey(c *fiber.Ctx) string {
	if key := c.Get(HeaderIdempotencyKey); key != "" {
		return key
	}
	return c.Get(HeaderIdempotencyKeyAlt)
}

// RateLimit rejects clients that have used up their bucket.
func RateLimit(rl *RateLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		info, ok := rl.Allow(ClientKey(c))
		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))

		if !ok {
			retry := int64(math.Ceil(info.RetryAfter.Seconds()))
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(retry, 10))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
		}
		return c.Next()
	}
}

// Idempotency replays the stored response of a POST carrying a key that was
// already answered. Keys are scoped per client and path. Handler errors and
// responses at or above 500 free the key instead of being stored.
func Idempotency(store *IdempotencyStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}
		key := IdempotencyKey(c)
		if key == "" {
			return c.Next()
		}
		scoped := ClientKey(c) + "|" + c.Path() + "|" + key

		entry, state := store.Begin(scoped)
		switch state {
		case IdempotencyDone:
			c.Set(HeaderIdempotentReplayed, "true")
			if entry.ContentType != "" {
				c.Set(fiber.HeaderContentType, entry.ContentType)
			}
			return c.Status(entry.Status).Send(entry.Body)
		case IdempotencyInFlight:
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"error":   "A request with this idempotency key is in progress",
			})
		}

		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil || status >= fiber.StatusInternalServerError {
			store.Abandon(scoped)
			return err
		}
		store.Complete(scoped, status, string(c.Response().Header.ContentType()), c.Response().Body())
		return nil
	}
}

// SecurityHeaders adds conservative browser security headers.
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; img-src 'self'")
		return c.Next()
	}
}

// RequestID propagates or assigns X-Request-ID and stores it in locals.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(HeaderRequestID, id)
		c.Locals(LocalRequestID, id)
		return c.Next()
	}
}

// RequestValidation enforces JSON bodies for writes and a body size limit.
func RequestValidation(maxBody int) fiber.Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
			ct := c.Get(fiber.HeaderContentType)
			if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"success": false,
					"error":   "Content-Type must be application/json",
				})
			}
		}
		if len(c.Body()) > maxBody {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"success": false,
				"error":   "Request body too large",
			})
		}
		return c.Next()
	}
}

// IPAllowlist rejects clients outside allowed. An empty list allows everyone.
func IPAllowlist(allowed []string) fiber.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, ip := range allowed {
		if ip = strings.TrimSpace(ip); ip != "" {
			set[ip] = struct{}{}
		}
	}
	return func(c *fiber.Ctx) error {
		if len(set) == 0 {
			return c.Next()
		}
		if _, ok := set[c.IP()]; !ok {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   "Access denied",
			})
		}
		return c.Next()
	}
}
