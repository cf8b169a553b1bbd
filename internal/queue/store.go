package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrJobNotFound is returned for unknown and expired jobs.
var ErrJobNotFound = errors.New("job not found")

// DefaultCleanupInterval is how often expired jobs are swept.
const DefaultCleanupInterval = 5 * time.Minute

// StoreOptions configures a Store.
type StoreOptions struct {
	CleanupInterval time.Duration
	// OnExpire is called, outside the store lock, for every job the sweeper removes.
	OnExpire func(job Job)
	Logger   zerolog.Logger
}

// Store is an in-memory job store with TTL support. It hands out copies;
// callers change a stored job only through Update.
type Store struct {
	jobs           map[string]*Job
	idempotencyMap map[string]string // idempotency_key -> job_id
	mu             sync.RWMutex
	opts           StoreOptions
	logger         zerolog.Logger
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewStore creates a new job store and starts its TTL sweeper.
func NewStore(opts StoreOptions) *Store {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	s := &Store{
		jobs:           make(map[string]*Job),
		idempotencyMap: make(map[string]string),
		opts:           opts,
		logger:         logging.Scoped(opts.Logger, "store"),
		stopCleanup:    make(chan struct{}),
	}
	go s.runCleanup()
	return s
}

func (s *Store) runCleanup() {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes expired jobs and returns how many were removed.
func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	var expired []Job
	for id, job := range s.jobs {
		if !job.IsExpired() {
			continue
		}
		if job.IdempotencyKey != "" && s.idempotencyMap[job.IdempotencyKey] == id {
			delete(s.idempotencyMap, job.IdempotencyKey)
		}
		delete(s.jobs, id)
		expired = append(expired, *job)
	}
	s.mu.Unlock()

	for _, job := range expired {
		if s.opts.OnExpire != nil {
			s.opts.OnExpire(job)
		}
	}
	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("cleaned up expired jobs")
	}
	return len(expired)
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Save adds a job to the store
func (s *Store) Save(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job already exists: %s", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	if job.IdempotencyKey != "" {
		s.idempotencyMap[job.IdempotencyKey] = job.ID
	}
	return nil
}

// SaveOrGet saves job unless a live job already holds its idempotency key.
// It returns the job that holds the key and whether that job already existed.
func (s *Store) SaveOrGet(job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jobID, ok := s.idempotencyMap[job.IdempotencyKey]; ok && job.IdempotencyKey != "" {
		if existing, ok := s.jobs[jobID]; ok && !existing.IsExpired() {
			cp := *existing
			return &cp, true, nil
		}
	}
	if _, ok := s.jobs[job.ID]; ok {
		return nil, false, fmt.Errorf("job already exists: %s", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	if job.IdempotencyKey != "" {
		s.idempotencyMap[job.IdempotencyKey] = job.ID
	}
	return job, false, nil
}

// Get retrieves a copy of a job by ID
func (s *Store) Get(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok || job.IsExpired() {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cp := *job
	return &cp, nil
}

// Update applies fn to the stored job atomically and returns the new state.
// The stored job is left untouched when fn returns an error.
func (s *Store) Update(jobID string, fn func(job *Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cp := *job
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.jobs[jobID] = &cp
	out := cp
	return &out, nil
}

// Delete removes a job from the store
func (s *Store) Delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok && job.IdempotencyKey != "" {
		delete(s.idempotencyMap, job.IdempotencyKey)
	}
	delete(s.jobs, jobID)
}

// ToJSON serializes a job to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON deserializes a job from JSON
func FromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
