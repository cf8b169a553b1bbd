package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ahrdadan/capq/internal/action"
)

// Default values for job configuration
const (
	DefaultJobTimeout = 2 * time.Minute
	MaxJobTimeout     = 30 * time.Minute
	DefaultResultTTL  = 24 * time.Hour
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions follow s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// NotifyConfig holds notification settings for a job
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	// WebhookSecret signs the payload with HMAC-SHA256 when set.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// JobRequest is an action request plus job options.
type JobRequest struct {
	action.Request
	Timeout        int           `json:"timeout,omitempty"` // seconds
	Notify         *NotifyConfig `json:"notify,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ResultTTL      int           `json:"result_ttl,omitempty"` // seconds
}

// NewJobRequest returns a job request with the action defaults filled in.
func NewJobRequest(kind action.Kind, url string) JobRequest {
	return JobRequest{Request: action.NewRequest(kind, url)}
}

// Job represents a queued action run
type Job struct {
	ID             string           `json:"job_id"`
	Kind           action.Kind      `json:"kind"`
	Status         JobStatus        `json:"status"`
	Progress       int              `json:"progress"`
	Message        string           `json:"message,omitempty"`
	Request        JobRequest       `json:"request"`
	Result         *action.Result   `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ErrorKind      action.ErrorKind `json:"error_kind,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	StartedAt      int64            `json:"started_at,omitempty"`
	CompletedAt    int64            `json:"completed_at,omitempty"`
	ExpiresAt      int64            `json:"expires_at,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Timeout        int              `json:"timeout"`
	ResultTTL      int              `json:"result_ttl"`
}

// NewJob creates a new job from a request
func NewJob(req JobRequest) *Job {
	now := time.Now().Unix()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultJobTimeout.Seconds())
	}
	if timeout > int(MaxJobTimeout.Seconds()) {
		timeout = int(MaxJobTimeout.Seconds())
	}

	ttl := req.ResultTTL
	if ttl <= 0 {
		ttl = int(DefaultResultTTL.Seconds())
	}

	return &Job{
		ID:             generateJobID(),
		Kind:           req.Kind,
		Status:         JobStatusQueued,
		Request:        req,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        timeout,
		ResultTTL:      ttl,
	}
}

// SetStatus updates the job status. Terminal states start the result TTL.
func (j *Job) SetStatus(status JobStatus) {
	now := time.Now().Unix()
	j.Status = status
	j.UpdatedAt = now

	if status == JobStatusRunning && j.StartedAt == 0 {
		j.StartedAt = now
	}
	if status.Terminal() {
		j.CompletedAt = now
		j.ExpiresAt = now + int64(j.ResultTTL)
	}
}

// SetProgress updates the job progress
func (j *Job) SetProgress(progress int, message string) {
	j.Progress = progress
	j.Message = message
	j.UpdatedAt = time.Now().Unix()
}

// SetResult records a successful run
func (j *Job) SetResult(result *action.Result) {
	j.Result = result
	j.Progress = 100
	j.Message = "Completed"
	j.SetStatus(JobStatusSucceeded)
}

// SetError records a failed run
func (j *Job) SetError(err error) {
	j.Error = err.Error()
	var actionErr *action.Error
	if errors.As(err, &actionErr) {
		j.ErrorKind = actionErr.Kind
	}
	j.Message = "Failed"
	j.SetStatus(JobStatusFailed)
}

// IsExpired checks if the job result has expired
func (j *Job) IsExpired() bool {
	if j.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > j.ExpiresAt
}

// TimeoutDuration returns the job timeout as a time.Duration
func (j *Job) TimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(j.Timeout) * time.Second
}

// JobStatusResponse represents a job status response
type JobStatusResponse struct {
	JobID     string      `json:"job_id"`
	Kind      action.Kind `json:"kind"`
	Status    JobStatus   `json:"status"`
	Progress  int         `json:"progress"`
	Message   string      `json:"message,omitempty"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`
	ExpiresAt int64       `json:"expires_at,omitempty"`
}

// JobResultResponse represents a job result response
type JobResultResponse struct {
	JobID     string           `json:"job_id"`
	Status    JobStatus        `json:"status"`
	Result    *action.Result   `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind action.ErrorKind `json:"error_kind,omitempty"`
}

// JobCreatedResponse represents the response when a job is created
type JobCreatedResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	ResultURL string    `json:"result_url"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

func generateJobID() string {
	return "job_" + uuid.NewString()
}
