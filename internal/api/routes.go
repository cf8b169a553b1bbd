package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/action"
	"github.com/ahrdadan/capq/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	BaseURL        string
	RateLimit      security.RateLimitConfig
	IdempotencyTTL time.Duration
	AllowIPs       []string
	MaxBody        int
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		BaseURL:        "http://localhost:8000",
		RateLimit:      security.DefaultRateLimitConfig(),
		IdempotencyTTL: 24 * time.Hour,
		MaxBody:        security.DefaultMaxBody,
	}
}

// actionRoutes maps endpoint names to action kinds.
var actionRoutes = []struct {
	path string
	kind action.Kind
}{
	{"screenshot", action.KindScreenshot},
	{"click", action.KindClick},
	{"scroll", action.KindScroll},
	{"fill", action.KindFillForm},
	{"title", action.KindTitle},
}

// NewApp creates the fiber app with the shared error handler, the jsoniter
// codec, request ids, access logging and panic recovery.
func NewApp(logger zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "capq",
		ErrorHandler:          ErrorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	})
	app.Use(security.RequestID())
	app.Use(AccessLog(logger))
	app.Use(recover.New())
	return app
}

// Routes holds the long-lived stores behind the middleware.
type Routes struct {
	limiter     *security.RateLimiter
	idempotency *security.IdempotencyStore
}

// Close stops the middleware stores' sweepers.
func (r *Routes) Close() {
	r.limiter.Stop()
	r.idempotency.Stop()
}

// SetupRoutes registers every endpoint. jobs may be nil when the queue is
// disabled; the job endpoints are then absent.
func SetupRoutes(app *fiber.App, handler *Handler, jobs *JobHandler, cfg RouteConfig) *Routes {
	routes := &Routes{
		limiter:     security.NewRateLimiter(cfg.RateLimit),
		idempotency: security.NewIdempotencyStore(cfg.IdempotencyTTL),
	}

	app.Get("/health", handler.HealthCheck)

	capq := app.Group("/capq")
	capq.Use(security.IPAllowlist(cfg.AllowIPs))
	capq.Use(security.SecurityHeaders())
	capq.Use(security.RequestValidation(cfg.MaxBody))

	actions := capq.Group("/actions", security.RateLimit(routes.limiter), security.Idempotency(routes.idempotency))
	for _, r := range actionRoutes {
		actions.Post("/"+r.path, handler.RunAction(r.kind))
	}

	capq.Get("/runs/:run_id/files/:name", handler.GetRunFile)
	capq.Delete("/runs/:run_id", handler.DeleteRun)

	capq.Get("/environment", handler.GetEnvironment)
	capq.Get("/environment/dockerfile", handler.GetDockerfile)

	if jobs == nil {
		return routes
	}

	jobsGroup := capq.Group("/jobs", security.RateLimit(routes.limiter))
	jobsGroup.Post("", jobs.CreateJob)
	jobsGroup.Get("/:job_id", jobs.GetJobStatus)
	jobsGroup.Get("/:job_id/result", jobs.GetJobResult)
	jobsGroup.Post("/:job_id/cancel", jobs.CancelJob)
	jobsGroup.Get("/:job_id/events", jobs.StreamEvents)

	capq.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	capq.Get("/ws", websocket.New(jobs.HandleWebSocket))

	return routes
}

func actionKind(s string) (action.Kind, error) {
	if s == "" {
		return "", fmt.Errorf("kind is required")
	}
	return action.ParseKind(s)
}
