package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/capq/internal/action"
)

type fakeJetStream struct {
	jetstream.JetStream
	mu         sync.Mutex
	published  [][]byte
	subjects   []string
	publishErr error
}

func (f *fakeJetStream) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.subjects = append(f.subjects, subject)
	f.published = append(f.published, payload)
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.published))}, nil
}

type fakeMsg struct {
	jetstream.Msg
	data       []byte
	acked      int
	terminated int
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.acked++; return nil }
func (m *fakeMsg) Term() error  { m.terminated++; return nil }

type processorFunc func(ctx context.Context, job *Job, progress func(int, string)) (*action.Result, error)

func (f processorFunc) Process(ctx context.Context, job *Job, progress func(int, string)) (*action.Result, error) {
	return f(ctx, job, progress)
}

func newTestManager(t *testing.T, opts ManagerOptions) (*Manager, *fakeJetStream) {
	t.Helper()
	js := &fakeJetStream{}
	opts.Logger = zerolog.Nop()
	m := newManager(js, opts)
	t.Cleanup(m.Stop)
	return m, js
}

func screenshotJob() *Job {
	return NewJob(NewJobRequest(action.KindScreenshot, "https://example.com"))
}

func TestNewJobDefaults(t *testing.T) {
	job := screenshotJob()
	assert.Regexp(t, `^job_[0-9a-f-]{36}$`, job.ID)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, action.KindScreenshot, job.Kind)
	assert.Equal(t, int(DefaultJobTimeout.Seconds()), job.Timeout)
	assert.Equal(t, int(DefaultResultTTL.Seconds()), job.ResultTTL)
	assert.Zero(t, job.ExpiresAt)
	assert.Equal(t, 1280, job.Request.Width)

	req := NewJobRequest(action.KindTitle, "https://example.com")
	req.Timeout = 999999
	assert.Equal(t, int(MaxJobTimeout.Seconds()), NewJob(req).Timeout)
}

func TestJobTerminalStatusStartsTTL(t *testing.T) {
	job := screenshotJob()
	job.ResultTTL = 60

	job.SetStatus(JobStatusRunning)
	assert.NotZero(t, job.StartedAt)
	assert.Zero(t, job.ExpiresAt)

	job.SetError(&action.Error{Kind: action.ErrKindNavigation, Action: action.KindScreenshot, Err: errors.New("boom")})
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, action.ErrKindNavigation, job.ErrorKind)
	assert.Equal(t, job.CompletedAt+60, job.ExpiresAt)
	assert.False(t, job.IsExpired())

	job.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	assert.True(t, job.IsExpired())
}

func TestJobRequestJSONFlattensAction(t *testing.T) {
	job := screenshotJob()
	data, err := job.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request":{"kind":"screenshot","url":"https://example.com"`)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, job.Request, decoded.Request)
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(StoreOptions{Logger: zerolog.Nop()})
	defer s.Stop()

	job := screenshotJob()
	require.NoError(t, s.Save(job))
	assert.Error(t, s.Save(job))

	got, err := s.Get(job.ID)
	require.NoError(t, err)
	got.Status = JobStatusFailed

	again, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, again.Status)

	_, err = s.Get("job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreUpdate(t *testing.T) {
	s := NewStore(StoreOptions{Logger: zerolog.Nop()})
	defer s.Stop()

	job := screenshotJob()
	require.NoError(t, s.Save(job))

	updated, err := s.Update(job.ID, func(j *Job) error {
		j.SetProgress(40, "half")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 40, updated.Progress)

	_, err = s.Update(job.ID, func(j *Job) error {
		j.Progress = 99
		return errors.New("nope")
	})
	assert.Error(t, err)
	got, _ := s.Get(job.ID)
	assert.Equal(t, 40, got.Progress)

	_, err = s.Update("job_missing", func(*Job) error { return nil })
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreCleanupExpired(t *testing.T) {
	var expired []Job
	s := NewStore(StoreOptions{Logger: zerolog.Nop(), OnExpire: func(job Job) { expired = append(expired, job) }})
	defer s.Stop()

	old := screenshotJob()
	old.IdempotencyKey = "key-1"
	old.SetStatus(JobStatusSucceeded)
	old.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	fresh := screenshotJob()
	require.NoError(t, s.Save(old))
	require.NoError(t, s.Save(fresh))

	_, err := s.Get(old.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)

	assert.Equal(t, 1, s.cleanupExpired())
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	s.mu.RLock()
	assert.NotContains(t, s.idempotencyMap, "key-1")
	assert.Len(t, s.jobs, 1)
	s.mu.RUnlock()
	assert.Equal(t, 0, s.cleanupExpired())
}

func TestStoreSaveOrGet(t *testing.T) {
	s := NewStore(StoreOptions{Logger: zerolog.Nop()})
	defer s.Stop()

	first := screenshotJob()
	first.IdempotencyKey = "abc"
	got, dup, err := s.SaveOrGet(first)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, first.ID, got.ID)

	second := screenshotJob()
	second.IdempotencyKey = "abc"
	got, dup, err = s.SaveOrGet(second)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.Get(second.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEventHub(t *testing.T) {
	hub := NewEventHub()

	ch := hub.Subscribe("job_1")
	other := hub.Subscribe("job_2")
	hub.Emit(Event{JobID: "job_1", Status: JobStatusRunning})

	select {
	case ev := <-ch:
		assert.Equal(t, JobStatusRunning, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	assert.Len(t, other, 0)

	for i := 0; i < subscriberBuffer*2; i++ {
		hub.Emit(Event{JobID: "job_1"})
	}
	assert.Len(t, ch, subscriberBuffer)

	hub.Unsubscribe("job_1", ch)
	hub.Close()
	_, open := <-other
	assert.False(t, open)

	late := hub.Subscribe("job_3")
	_, open = <-late
	assert.False(t, open)
}

func TestEventHubTerminalClosesSubscribers(t *testing.T) {
	hub := NewEventHub()
	defer hub.Close()

	full := hub.Subscribe("job_1")
	idle := hub.Subscribe("job_1")
	for i := 0; i < subscriberBuffer*2; i++ {
		hub.Emit(Event{JobID: "job_1", Status: JobStatusRunning, Progress: i})
	}
	hub.Emit(Event{JobID: "job_1", Status: JobStatusSucceeded, Progress: 100})

	for _, ch := range []<-chan Event{full, idle} {
		var last Event
		n := 0
		for ev := range ch {
			last = ev
			n++
		}
		assert.Equal(t, subscriberBuffer, n)
		assert.Equal(t, JobStatusSucceeded, last.Status)
	}

	hub.Unsubscribe("job_1", full)
	hub.mu.RLock()
	assert.NotContains(t, hub.subscribers, "job_1")
	hub.mu.RUnlock()
}

func TestManagerEnqueue(t *testing.T) {
	m, js := newTestManager(t, ManagerOptions{})

	job := screenshotJob()
	events := m.Subscribe(job.ID)
	require.NoError(t, m.Enqueue(job))

	require.Len(t, js.published, 1)
	assert.Equal(t, SubjectName, js.subjects[0])
	decoded, err := FromJSON(js.published[0])
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)

	got, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, JobStatusQueued, (<-events).Status)
}

func TestManagerEnqueuePublishFailure(t *testing.T) {
	m, js := newTestManager(t, ManagerOptions{})
	js.publishErr = errors.New("no responders")

	job := screenshotJob()
	require.Error(t, m.Enqueue(job))
	_, err := m.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManagerEnqueueWithIdempotency(t *testing.T) {
	m, js := newTestManager(t, ManagerOptions{})

	first := screenshotJob()
	first.IdempotencyKey = "same"
	got, dup, err := m.EnqueueWithIdempotency(first)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, first.ID, got.ID)

	second := screenshotJob()
	second.IdempotencyKey = "same"
	got, dup, err = m.EnqueueWithIdempotency(second)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, got.ID)
	assert.Len(t, js.published, 1)
}

func enqueued(t *testing.T, m *Manager, js *fakeJetStream) (*Job, *fakeMsg) {
	t.Helper()
	job := screenshotJob()
	require.NoError(t, m.Enqueue(job))
	return job, &fakeMsg{data: js.published[len(js.published)-1]}
}

func TestManagerProcessSuccess(t *testing.T) {
	m, js := newTestManager(t, ManagerOptions{})
	job, msg := enqueued(t, m, js)

	result := &action.Result{RunID: action.NewRunID(), Kind: action.KindScreenshot, Files: []string{"screenshot.png"}}
	calls := 0
	m.processMessage(msg, processorFunc(func(ctx context.Context, j *Job, progress func(int, string)) (*action.Result, error) {
		calls++
		assert.Equal(t, JobStatusRunning, j.Status)
		progress(50, "halfway")
		got, _ := m.GetJob(j.ID)
		assert.Equal(t, 50, got.Progress)
		return result, nil
	}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, msg.acked)
	got, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, result, got.Result)
	assert.NotZero(t, got.ExpiresAt)
}

func TestManagerProcessFailureIsFinal(t *testing.T) {
	m, js := newTestManager(t, ManagerOptions{})
	job, msg := enqueued(t, m, js)

	calls := 0
	m.processMessage(msg, processorFunc(func(ctx context.Context, j *Job, progress func(int, string)) (*action.Result, error) {
		calls++
		return nil, &action.Error{Kind: action.ErrKindSelectorNotFound, Action: action.KindClick, Err: errors.New("no #go")}
	}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, msg.acked)
	assert.Len(t, js.published, 1)
	got, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, action.ErrKindSelectorNotFound, got.ErrorKind)
	assert.Contains(t, got.Error, "no #go")
}

func TestManagerSkipsCanceledJob(t *testing.T) {
	m, js := newTestManager(t, ManagerOptions{})
	job, msg := enqueued(t, m, js)

	_, err := m.CancelJob(job.ID)
	require.NoError(t, err)

	m.processMessage(msg, processorFunc(func(context.Context, *Job, func(int, string)) (*action.Result, error) {
		t.Fatal("canceled job must not run")
		return nil, nil
	}))
	assert.Equal(t, 1, msg.acked)

	_, err = m.CancelJob(job.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)
}

func TestManagerCancelRunningJob(t *testing.T) {
	var discarded []*action.Result
	var mu sync.Mutex
	m, js := newTestManager(t, ManagerOptions{Discard: func(r *action.Result) {
		mu.Lock()
		discarded = append(discarded, r)
		mu.Unlock()
	}})
	job, msg := enqueued(t, m, js)

	started := make(chan struct{})
	done := make(chan struct{})
	result := &action.Result{RunID: action.NewRunID()}
	go func() {
		defer close(done)
		m.processMessage(msg, processorFunc(func(ctx context.Context, j *Job, progress func(int, string)) (*action.Result, error) {
			close(started)
			<-ctx.Done()
			return result, nil
		}))
	}()

	<-started
	_, err := m.CancelJob(job.ID)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("running job was not interrupted")
	}

	got, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, got.Status)
	assert.Nil(t, got.Result)
	mu.Lock()
	assert.Equal(t, []*action.Result{result}, discarded)
	mu.Unlock()
}

func TestManagerMalformedMessage(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{})
	msg := &fakeMsg{data: []byte("{not json")}
	m.processMessage(msg, processorFunc(func(context.Context, *Job, func(int, string)) (*action.Result, error) {
		t.Fatal("malformed message must not run")
		return nil, nil
	}))
	assert.Equal(t, 1, msg.terminated)
	assert.Equal(t, 0, msg.acked)
}

func TestManagerExpiryDiscardsResult(t *testing.T) {
	var discarded []string
	m, _ := newTestManager(t, ManagerOptions{Discard: func(r *action.Result) { discarded = append(discarded, r.RunID) }})

	job := screenshotJob()
	job.SetResult(&action.Result{RunID: "run_x"})
	job.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	require.NoError(t, m.Store().Save(job))

	assert.Equal(t, 1, m.Store().cleanupExpired())
	assert.Equal(t, []string{"run_x"}, discarded)
}

type runnerFunc func(ctx context.Context, req action.Request) (*action.Result, error)

func (f runnerFunc) Run(ctx context.Context, req action.Request) (*action.Result, error) {
	return f(ctx, req)
}

func TestActionProcessor(t *testing.T) {
	var got action.Request
	p := NewActionProcessor(runnerFunc(func(ctx context.Context, req action.Request) (*action.Result, error) {
		got = req
		return &action.Result{RunID: "run_1", Kind: req.Kind}, nil
	}), zerolog.Nop())

	job := screenshotJob()
	var progress []int
	res, err := p.Process(context.Background(), job, func(p int, _ string) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, "run_1", res.RunID)
	assert.Equal(t, job.Request.Request, got)
	assert.Equal(t, []int{10, 90}, progress)
}

func TestActionProcessorTimeout(t *testing.T) {
	p := NewActionProcessor(runnerFunc(func(ctx context.Context, req action.Request) (*action.Result, error) {
		<-ctx.Done()
		return nil, &action.Error{Kind: action.ErrKindCanceled, Action: req.Kind, Err: ctx.Err()}
	}), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Process(ctx, screenshotJob(), func(int, string) {})
	assert.Equal(t, action.ErrKindTimeout, action.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifier(t *testing.T) {
	type delivery struct {
		header http.Header
		body   []byte
	}
	deliveries := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		deliveries <- delivery{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := screenshotJob()
	job.Request.Notify = &NotifyConfig{WebhookURL: srv.URL, WebhookSecret: "s3cret"}
	job.SetResult(&action.Result{RunID: "run_1"})

	require.NoError(t, NewNotifier(srv.Client()).Notify(context.Background(), job))

	d := <-deliveries
	assert.Equal(t, "job.succeeded", d.header.Get(HeaderEvent))
	assert.Equal(t, Sign("s3cret", d.body), d.header.Get(HeaderSignature))
	assert.Contains(t, string(d.body), `"result_url":"/capq/jobs/`+job.ID+`/result"`)
}

func TestNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	job := screenshotJob()
	job.Request.Notify = &NotifyConfig{WebhookURL: srv.URL}
	assert.Error(t, NewNotifier(nil).Notify(context.Background(), job))

	job.Request.Notify = nil
	assert.NoError(t, NewNotifier(nil).Notify(context.Background(), job))
}
