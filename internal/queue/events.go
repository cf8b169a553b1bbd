package queue

import (
	"sync"
	"time"

	"github.com/ahrdadan/capq/internal/action"
)

// subscriberBuffer is the per-subscriber backlog; events beyond it are dropped.
const subscriberBuffer = 16

// Event is a job state change.
type Event struct {
	JobID     string           `json:"job_id"`
	Status    JobStatus        `json:"status"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message,omitempty"`
	ErrorKind action.ErrorKind `json:"error_kind,omitempty"`
	Time      int64            `json:"time"`
}

// eventFor snapshots a job as an event.
func eventFor(job *Job) Event {
	return Event{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		ErrorKind: job.ErrorKind,
		Time:      time.Now().Unix(),
	}
}

// EventHub fans job events out to per-job subscribers.
type EventHub struct {
	subscribers map[string][]chan Event
	closed      bool
	mu          sync.RWMutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription for job events. The channel is closed after
// the job's terminal event, or by Unsubscribe or Close.
func (h *EventHub) Subscribe(jobID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[jobID] = append(h.subscribers[jobID], ch)
	return ch
}

// Unsubscribe removes a subscription
func (h *EventHub) Unsubscribe(jobID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subscribers[jobID]) == 0 {
		delete(h.subscribers, jobID)
	}
}

// Emit sends an event to all subscribers of a job without blocking. A
// terminal event is always delivered, displacing the oldest backlog entry if
// needed, and then the job's subscriptions are closed.
func (h *EventHub) Emit(event Event) {
	if event.Status.Terminal() {
		h.finish(event)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[event.JobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *EventHub) finish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers[event.JobID] {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
		close(ch)
	}
	delete(h.subscribers, event.JobID)
}

// Close closes all subscriptions; later subscriptions are closed immediately.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for jobID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, jobID)
	}
}
