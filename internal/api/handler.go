package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/action"
	"github.com/ahrdadan/capq/internal/environment"
	"github.com/ahrdadan/capq/internal/logging"
	"github.com/ahrdadan/capq/internal/queue"
)

// ActionRunner is what the handlers need from action.Runner.
type ActionRunner interface {
	Run(ctx context.Context, req action.Request) (*action.Result, error)
	RunDir(ctx context.Context, runID string) (string, error)
	Remove(ctx context.Context, runID string) error
}

// Provisioner is what the handlers need from environment.Builder.
type Provisioner interface {
	Build(ctx context.Context) (*environment.Environment, error)
	Spec() environment.Spec
}

// Handler serves synchronous actions, run artifacts and environment info.
type Handler struct {
	runner  ActionRunner
	env     Provisioner
	baseURL string
	logger  zerolog.Logger
}

// NewHandler creates a new handler
func NewHandler(runner ActionRunner, env Provisioner, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		runner:  runner,
		env:     env,
		baseURL: baseURL,
		logger:  logging.Scoped(logger, "api"),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// StatusFor maps an action error kind to an HTTP status.
func StatusFor(kind action.ErrorKind) int {
	switch kind {
	case action.ErrKindInvalidInput:
		return fiber.StatusBadRequest
	case action.ErrKindSelectorNotFound:
		return fiber.StatusUnprocessableEntity
	case action.ErrKindNavigation:
		return fiber.StatusBadGateway
	case action.ErrKindTimeout:
		return fiber.StatusGatewayTimeout
	case action.ErrKindEnvironment:
		return fiber.StatusServiceUnavailable
	case action.ErrKindCanceled:
		return fiber.StatusRequestTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	resp := Response{Success: false, Error: err.Error()}

	var fiberErr *fiber.Error
	var actionErr *action.Error
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	case errors.As(err, &actionErr):
		code = StatusFor(actionErr.Kind)
		resp.Code = string(actionErr.Kind)
	case errors.Is(err, queue.ErrJobNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, queue.ErrNotCancelable):
		code = fiber.StatusConflict
	}

	return c.Status(code).JSON(resp)
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// ActionRequest is the body of an action endpoint.
type ActionRequest struct {
	action.Request
	// Inline embeds the images as base64 in the response.
	Inline bool `json:"inline"`
}

// ActionResponse is the payload of a successful action.
type ActionResponse struct {
	*action.Result
	URLs   []string          `json:"urls,omitempty"`
	Images map[string]string `json:"images,omitempty"`
}

// RunAction returns the handler for one action kind.
// POST /capq/actions/<kind>
func (h *Handler) RunAction(kind action.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := ActionRequest{Request: action.NewRequest(kind, "")}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
		req.Kind = kind

		result, err := h.runner.Run(c.UserContext(), req.Request)
		if err != nil {
			return err
		}

		resp := ActionResponse{Result: result}
		for _, name := range result.Files {
			resp.URLs = append(resp.URLs, h.fileURL(result.RunID, name))
		}
		if req.Inline && len(result.Files) > 0 {
			resp.Images = make(map[string]string, len(result.Files))
			for _, name := range result.Files {
				data, err := os.ReadFile(result.Path(name))
				if err != nil {
					return fmt.Errorf("reading %s: %w", name, err)
				}
				resp.Images[name] = base64.StdEncoding.EncodeToString(data)
			}
		}

		return c.JSON(Response{Success: true, Data: resp})
	}
}

func (h *Handler) fileURL(runID, name string) string {
	return fmt.Sprintf("%s/capq/runs/%s/files/%s", h.baseURL, runID, name)
}

var artifactName = regexp.MustCompile(`^[a-z0-9-]+\.png$`)

// GetRunFile serves one image of a run
// GET /capq/runs/:run_id/files/:name
func (h *Handler) GetRunFile(c *fiber.Ctx) error {
	name := c.Params("name")
	if !artifactName.MatchString(name) {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid file name")
	}
	dir, err := h.runner.RunDir(c.UserContext(), c.Params("run_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid run id")
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return fiber.NewError(fiber.StatusNotFound, "File not found")
	}
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderCacheControl, "private, max-age=3600")
	c.Type("png")
	return c.Send(data)
}

// DeleteRun removes a run directory
// DELETE /capq/runs/:run_id
func (h *Handler) DeleteRun(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	if !action.ValidRunID(runID) {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid run id")
	}
	if err := h.runner.Remove(c.UserContext(), runID); err != nil {
		return err
	}
	return c.JSON(Response{Success: true, Data: map[string]interface{}{"run_id": runID, "deleted": true}})
}

// GetEnvironment describes the provisioned environment
// GET /capq/environment
func (h *Handler) GetEnvironment(c *fiber.Ctx) error {
	env, err := h.env.Build(c.UserContext())
	if err != nil {
		return &action.Error{Kind: action.ErrKindEnvironment, Err: err}
	}
	return c.JSON(Response{Success: true, Data: env})
}

// GetDockerfile renders the recipe as a Dockerfile
// GET /capq/environment/dockerfile
func (h *Handler) GetDockerfile(c *fiber.Ctx) error {
	dockerfile, err := h.env.Spec().Dockerfile()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	c.Type("txt", "utf-8")
	return c.SendString(dockerfile)
}
