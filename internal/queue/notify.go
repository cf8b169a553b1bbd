package queue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrdadan/capq/internal/action"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Capq-Event"
	HeaderSignature = "X-Capq-Signature"
)

// WebhookPayload is posted to a job's webhook when it finishes.
type WebhookPayload struct {
	JobID      string           `json:"job_id"`
	Kind       action.Kind      `json:"kind"`
	Status     JobStatus        `json:"status"`
	ErrorKind  action.ErrorKind `json:"error_kind,omitempty"`
	ResultURL  string           `json:"result_url"`
	FinishedAt int64            `json:"finished_at"`
}

// Notifier delivers job webhooks.
type Notifier struct {
	client *http.Client
}

// NewNotifier creates a notifier. A nil client gets a 30 second timeout.
func NewNotifier(client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{client: client}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notify posts the job's final state to its webhook once.
func (n *Notifier) Notify(ctx context.Context, job *Job) error {
	cfg := job.Request.Notify
	if cfg == nil || cfg.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(WebhookPayload{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		ErrorKind:  job.ErrorKind,
		ResultURL:  fmt.Sprintf("/capq/jobs/%s/result", job.ID),
		FinishedAt: job.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, "job."+string(job.Status))
	if cfg.WebhookSecret != "" {
		req.Header.Set(HeaderSignature, Sign(cfg.WebhookSecret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
