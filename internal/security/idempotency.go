package security

import (
	"sync"
	"time"
)

// IdempotencyState is the state of a key in the store.
type IdempotencyState int

const (
	// IdempotencyNew means the caller now owns the key and must Complete or Abandon it.
	IdempotencyNew IdempotencyState = iota
	// IdempotencyInFlight means another request with the key has not finished.
	IdempotencyInFlight
	// IdempotencyDone means a stored response is available for replay.
	IdempotencyDone
)

// IdempotencyEntry is a stored response
type IdempotencyEntry struct {
	Key         string
	Status      int
	ContentType string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	done        bool
}

// IdempotencyStore remembers responses by idempotency key
type IdempotencyStore struct {
	keys map[string]*IdempotencyEntry
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewIdempotencyStore creates a new idempotency store
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &IdempotencyStore{
		keys: make(map[string]*IdempotencyEntry),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Begin claims key. A done entry is returned for IdempotencyDone.
func (s *IdempotencyStore) Begin(key string) (*IdempotencyEntry, IdempotencyState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.keys[key]; ok && now.Before(entry.ExpiresAt) {
		if !entry.done {
			return nil, IdempotencyInFlight
		}
		cp := *entry
		return &cp, IdempotencyDone
	}

	s.keys[key] = &IdempotencyEntry{Key: key, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}
	return nil, IdempotencyNew
}

// Complete stores the response for a claimed key.
func (s *IdempotencyStore) Complete(key string, status int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok {
		return
	}
	entry.Status = status
	entry.ContentType = contentType
	entry.Body = append([]byte(nil), body...)
	entry.ExpiresAt = s.now().Add(s.ttl)
	entry.done = true
}

// Abandon releases a claimed key so it can be retried.
func (s *IdempotencyStore) Abandon(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.keys[key]; ok && !entry.done {
		delete(s.keys, key)
	}
}

// Stop ends the cleanup goroutine.
func (s *IdempotencyStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *IdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dropExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *IdempotencyStore) dropExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.keys {
		if !now.Before(entry.ExpiresAt) {
			delete(s.keys, key)
		}
	}
}
