package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/action"
	"github.com/ahrdadan/capq/internal/logging"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "CAPQ_JOBS"
	// SubjectName is the subject for job messages
	SubjectName = "capq.jobs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "capq-worker"
)

// ErrNotCancelable is returned when canceling a job that already finished.
var ErrNotCancelable = errors.New("job cannot be canceled")

var errNotRunnable = errors.New("job is not runnable")

// JobProcessor runs a job's action.
type JobProcessor interface {
	Process(ctx context.Context, job *Job, progress func(int, string)) (*action.Result, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Workers is the number of concurrent fetch loops.
	Workers int
	Store   StoreOptions
	// Discard removes the artifacts of a result nobody can retrieve any more:
	// expired jobs and jobs canceled after their run finished.
	Discard  func(result *action.Result)
	Notifier *Notifier
	Logger   zerolog.Logger
}

// Manager manages the job queue. Every job is delivered once; a failed
// run is final.
type Manager struct {
	js       jetstream.JetStream
	store    *Store
	events   *EventHub
	consumer jetstream.Consumer
	opts     ManagerOptions
	logger   zerolog.Logger

	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	runningMu sync.Mutex
	running   map[string]context.CancelFunc
}

// NewManager creates a new queue manager and its stream.
func NewManager(js jetstream.JetStream, opts ManagerOptions) (*Manager, error) {
	m := newManager(js, opts)
	if err := m.setupStream(); err != nil {
		m.Stop()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return m, nil
}

func newManager(js jetstream.JetStream, opts ManagerOptions) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		js:      js,
		events:  NewEventHub(),
		opts:    opts,
		logger:  logging.Scoped(opts.Logger, "queue"),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}

	storeOpts := opts.Store
	onExpire := storeOpts.OnExpire
	storeOpts.OnExpire = func(job Job) {
		if job.Result != nil && opts.Discard != nil {
			opts.Discard(job.Result)
		}
		if onExpire != nil {
			onExpire(job)
		}
	}
	storeOpts.Logger = opts.Logger
	m.store = NewStore(storeOpts)
	return m
}

// setupStream creates or updates the JetStream stream
func (m *Manager) setupStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "capq action jobs",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	consumer, err := m.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
		AckWait:       MaxJobTimeout + time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	m.consumer = consumer

	return nil
}

// Start starts processing jobs from the queue
func (m *Manager) Start(processor JobProcessor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	if m.consumer == nil {
		return fmt.Errorf("queue consumer not initialized")
	}
	m.isRunning = true

	m.logger.Info().Int("workers", m.opts.Workers).Msg("starting job queue workers")
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.fetchLoop(processor)
	}
	return nil
}

func (m *Manager) fetchLoop(processor JobProcessor) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			m.logger.Debug().Err(err).Msg("fetch failed")
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range msgs.Messages() {
			m.processMessage(msg, processor)
		}
	}
}

// Stop stops the workers, cancels running jobs and closes event streams.
func (m *Manager) Stop() {
	m.mu.Lock()
	wasRunning := m.isRunning
	m.isRunning = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.events.Close()
	m.store.Stop()

	if wasRunning {
		m.logger.Info().Msg("job queue workers stopped")
	}
}

// Enqueue adds a job to the queue
func (m *Manager) Enqueue(job *Job) error {
	if err := m.store.Save(job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if err := m.publish(job); err != nil {
		m.store.Delete(job.ID)
		return err
	}
	m.events.Emit(eventFor(job))
	return nil
}

// EnqueueWithIdempotency enqueues a job unless a live job already holds its
// idempotency key, in which case that job is returned with duplicate set.
func (m *Manager) EnqueueWithIdempotency(job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == "" {
		if err := m.Enqueue(job); err != nil {
			return nil, false, err
		}
		return job, false, nil
	}

	existing, duplicate, err := m.store.SaveOrGet(job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save job: %w", err)
	}
	if duplicate {
		return existing, true, nil
	}
	if err := m.publish(job); err != nil {
		m.store.Delete(job.ID)
		return nil, false, err
	}
	m.events.Emit(eventFor(job))
	return job, false, nil
}

func (m *Manager) publish(job *Job) error {
	data, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.js.Publish(ctx, SubjectName, data); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (m *Manager) GetJob(jobID string) (*Job, error) {
	return m.store.Get(jobID)
}

// CancelJob cancels a queued or running job. A running action is
// interrupted and its browser closed.
func (m *Manager) CancelJob(jobID string) (*Job, error) {
	job, err := m.store.Update(jobID, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrNotCancelable, j.Status)
		}
		j.SetProgress(j.Progress, "Job canceled")
		j.SetStatus(JobStatusCanceled)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.runningMu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		cancel()
	}
	m.runningMu.Unlock()

	m.events.Emit(eventFor(job))
	return job, nil
}

// Subscribe subscribes to job events
func (m *Manager) Subscribe(jobID string) <-chan Event {
	return m.events.Subscribe(jobID)
}

// Unsubscribe unsubscribes from job events
func (m *Manager) Unsubscribe(jobID string, ch <-chan Event) {
	m.events.Unsubscribe(jobID, ch)
}

// Store returns the job store
func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) processMessage(msg jetstream.Msg, processor JobProcessor) {
	queued, err := FromJSON(msg.Data())
	if err != nil || queued.ID == "" {
		m.logger.Error().Err(err).Msg("dropping malformed job message")
		m.settle(msg.Term())
		return
	}
	logger := m.logger.With().Str("job_id", queued.ID).Logger()

	job, err := m.store.Update(queued.ID, func(j *Job) error {
		if j.Status != JobStatusQueued {
			return errNotRunnable
		}
		j.SetStatus(JobStatusRunning)
		j.SetProgress(0, "Processing started")
		return nil
	})
	if err != nil {
		logger.Info().Err(err).Msg("skipping job")
		m.settle(msg.Ack())
		return
	}
	m.events.Emit(eventFor(job))

	ctx, cancel := context.WithTimeout(m.ctx, job.TimeoutDuration())
	m.track(job.ID, cancel)
	defer m.untrack(job.ID)
	defer cancel()

	result, runErr := processor.Process(ctx, job, func(progress int, message string) {
		updated, err := m.store.Update(job.ID, func(j *Job) error {
			if j.Status != JobStatusRunning {
				return errNotRunnable
			}
			j.SetProgress(progress, message)
			return nil
		})
		if err == nil {
			m.events.Emit(eventFor(updated))
		}
	})

	final, err := m.store.Update(job.ID, func(j *Job) error {
		if j.Status != JobStatusRunning {
			return errNotRunnable
		}
		if runErr != nil {
			j.SetError(runErr)
		} else {
			j.SetResult(result)
		}
		return nil
	})
	if err != nil {
		// Canceled while running; nobody can fetch this result.
		if result != nil && m.opts.Discard != nil {
			m.opts.Discard(result)
		}
		logger.Info().Msg("job canceled during run")
		m.settle(msg.Ack())
		return
	}

	if runErr != nil {
		logger.Warn().Err(runErr).Msg("job failed")
	} else {
		logger.Info().Str("run_id", result.RunID).Msg("job succeeded")
	}
	m.events.Emit(eventFor(final))
	m.notify(final)
	m.settle(msg.Ack())
}

func (m *Manager) notify(job *Job) {
	notify := job.Request.Notify
	if m.opts.Notifier == nil || notify == nil || notify.WebhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.opts.Notifier.Notify(ctx, job); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("webhook delivery failed")
		}
	}()
}

func (m *Manager) settle(err error) {
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to acknowledge message")
	}
}

func (m *Manager) track(jobID string, cancel context.CancelFunc) {
	m.runningMu.Lock()
	m.running[jobID] = cancel
	m.runningMu.Unlock()
}

func (m *Manager) untrack(jobID string) {
	m.runningMu.Lock()
	delete(m.running, jobID)
	m.runningMu.Unlock()
}
