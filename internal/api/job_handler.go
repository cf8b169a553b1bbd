package api

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/ahrdadan/capq/internal/queue"
	"github.com/ahrdadan/capq/internal/security"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JobQueue is what the job handlers need from queue.Manager.
type JobQueue interface {
	EnqueueWithIdempotency(job *queue.Job) (*queue.Job, bool, error)
	GetJob(jobID string) (*queue.Job, error)
	CancelJob(jobID string) (*queue.Job, error)
	Subscribe(jobID string) <-chan queue.Event
	Unsubscribe(jobID string, ch <-chan queue.Event)
}

// JobHandler handles job-related API requests
type JobHandler struct {
	queue     JobQueue
	baseURL   string
	resultTTL time.Duration
}

// NewJobHandler creates a new job handler. resultTTL applies to jobs that
// do not set their own.
func NewJobHandler(q JobQueue, baseURL string, resultTTL time.Duration) *JobHandler {
	return &JobHandler{queue: q, baseURL: baseURL, resultTTL: resultTTL}
}

// CreateJob creates a new async job
// POST /capq/jobs
func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(c.Body(), &probe); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	kind, err := actionKind(probe.Kind)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	req := queue.NewJobRequest(kind, "")
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	req.Kind = kind
	if err := req.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if key := security.IdempotencyKey(c); key != "" {
		req.IdempotencyKey = key
	}
	if req.ResultTTL <= 0 && h.resultTTL > 0 {
		req.ResultTTL = int(h.resultTTL.Seconds())
	}

	job, duplicate, err := h.queue.EnqueueWithIdempotency(queue.NewJob(req))
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, fmt.Sprintf("Failed to enqueue job: %v", err))
	}

	response := queue.JobCreatedResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: fmt.Sprintf("%s/capq/jobs/%s", h.baseURL, job.ID),
		ResultURL: fmt.Sprintf("%s/capq/jobs/%s/result", h.baseURL, job.ID),
		Duplicate: duplicate,
	}
	response.Events.SSEURL = fmt.Sprintf("%s/capq/jobs/%s/events", h.baseURL, job.ID)
	response.Events.WSURL = fmt.Sprintf("%s/capq/ws?job_id=%s", h.baseURL, job.ID)

	if duplicate {
		c.Set(security.HeaderIdempotentReplayed, "true")
	}
	return c.Status(fiber.StatusAccepted).JSON(Response{Success: true, Data: response})
}

// GetJobStatus returns the status of a job
// GET /capq/jobs/:job_id
func (h *JobHandler) GetJobStatus(c *fiber.Ctx) error {
	job, err := h.queue.GetJob(c.Params("job_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Job not found")
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.JobStatusResponse{
			JobID:     job.ID,
			Kind:      job.Kind,
			Status:    job.Status,
			Progress:  job.Progress,
			Message:   job.Message,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
			ExpiresAt: job.ExpiresAt,
		},
	})
}

// GetJobResult returns the result of a finished job
// GET /capq/jobs/:job_id/result
func (h *JobHandler) GetJobResult(c *fiber.Ctx) error {
	job, err := h.queue.GetJob(c.Params("job_id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Job not found")
	}
	if !job.Status.Terminal() {
		return fiber.NewError(fiber.StatusConflict, "Job not completed yet")
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.JobResultResponse{
			JobID:     job.ID,
			Status:    job.Status,
			Result:    job.Result,
			Error:     job.Error,
			ErrorKind: job.ErrorKind,
		},
	})
}

// CancelJob cancels a queued or running job
// POST /capq/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	job, err := h.queue.CancelJob(c.Params("job_id"))
	if err != nil {
		return err
	}
	return c.JSON(Response{
		Success: true,
		Data:    map[string]interface{}{"job_id": job.ID, "status": job.Status},
	})
}

// StreamEvents streams job events via SSE until the job finishes
// GET /capq/jobs/:job_id/events
func (h *JobHandler) StreamEvents(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	job, err := h.queue.GetJob(jobID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Job not found")
	}

	var events <-chan queue.Event
	job, events = h.follow(job)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.queue.Unsubscribe(jobID, events)
		}
		if !writeSSE(w, snapshot(job)) || events == nil {
			return
		}
		for event := range events {
			if !writeSSE(w, event) || event.Status.Terminal() {
				return
			}
		}
	})
	return nil
}

// follow subscribes to a running job and returns its state as of the
// subscription, so no transition falls between snapshot and stream. The
// channel is nil when the job has already finished.
func (h *JobHandler) follow(job *queue.Job) (*queue.Job, <-chan queue.Event) {
	if job.Status.Terminal() {
		return job, nil
	}
	events := h.queue.Subscribe(job.ID)
	if latest, err := h.queue.GetJob(job.ID); err == nil {
		job = latest
	}
	if job.Status.Terminal() {
		h.queue.Unsubscribe(job.ID, events)
		return job, nil
	}
	return job, events
}

func writeSSE(w *bufio.Writer, event queue.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Status, data); err != nil {
		return false
	}
	return w.Flush() == nil
}

func snapshot(job *queue.Job) queue.Event {
	return queue.Event{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		ErrorKind: job.ErrorKind,
		Time:      job.UpdatedAt,
	}
}

// HandleWebSocket streams job events over a WebSocket
// GET /capq/ws?job_id=...
func (h *JobHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Query("job_id")
	if jobID == "" {
		_ = c.WriteJSON(Response{Success: false, Error: "job_id is required"})
		return
	}
	job, err := h.queue.GetJob(jobID)
	if err != nil {
		_ = c.WriteJSON(Response{Success: false, Error: "job not found"})
		return
	}

	job, events := h.follow(job)
	if events == nil {
		_ = c.WriteJSON(snapshot(job))
		return
	}
	defer h.queue.Unsubscribe(jobID, events)

	if err := c.WriteJSON(snapshot(job)); err != nil {
		return
	}
	for event := range events {
		if err := c.WriteJSON(event); err != nil || event.Status.Terminal() {
			return
		}
	}
}
