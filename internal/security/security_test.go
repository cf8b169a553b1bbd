package security

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time         { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, perMinute, burst int) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: perMinute, Burst: burst, IdleTTL: time.Minute})
	rl.now = clock.now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl, clock := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		info, ok := rl.Allow("a")
		require.True(t, ok, "request %d", i)
		assert.Equal(t, 2-i, info.Remaining)
		assert.Equal(t, 3, info.Limit)
	}

	info, ok := rl.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, time.Second, info.RetryAfter)

	// Other clients have their own bucket.
	_, ok = rl.Allow("b")
	assert.True(t, ok)

	clock.advance(time.Second)
	_, ok = rl.Allow("a")
	assert.True(t, ok)
	_, ok = rl.Allow("a")
	assert.False(t, ok)
}

func TestRateLimiterRejectedRequestsDoNotConsume(t *testing.T) {
	rl, clock := newTestLimiter(t, 60, 1)

	_, ok := rl.Allow("a")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		_, ok = rl.Allow("a")
		assert.False(t, ok)
	}
	clock.advance(time.Second)
	_, ok = rl.Allow("a")
	assert.True(t, ok)
}

func TestRateLimiterDropIdle(t *testing.T) {
	rl, clock := newTestLimiter(t, 60, 1)
	rl.Allow("a")
	clock.advance(30 * time.Second)
	rl.Allow("b")
	clock.advance(45 * time.Second)

	assert.Equal(t, 1, rl.dropIdle())
	assert.Equal(t, 0, rl.dropIdle())
}

func TestIdempotencyStoreLifecycle(t *testing.T) {
	s := NewIdempotencyStore(time.Hour)
	defer s.Stop()
	clock := &fakeClock{t: time.Now()}
	s.now = clock.now

	_, state := s.Begin("k")
	assert.Equal(t, IdempotencyNew, state)
	_, state = s.Begin("k")
	assert.Equal(t, IdempotencyInFlight, state)

	body := []byte(`{"ok":true}`)
	s.Complete("k", 201, "application/json", body)
	body[0] = 'X'

	entry, state := s.Begin("k")
	require.Equal(t, IdempotencyDone, state)
	assert.Equal(t, 201, entry.Status)
	assert.Equal(t, `{"ok":true}`, string(entry.Body))

	_, state = s.Begin("other")
	require.Equal(t, IdempotencyNew, state)
	s.Abandon("other")
	_, state = s.Begin("other")
	assert.Equal(t, IdempotencyNew, state)

	clock.advance(2 * time.Hour)
	s.dropExpired()
	s.mu.Lock()
	assert.Empty(t, s.keys)
	s.mu.Unlock()
}

func newSecuredApp(mw ...fiber.Handler) *fiber.App {
	app := fiber.New()
	for _, m := range mw {
		app.Use(m)
	}
	return app
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	app := newSecuredApp(RateLimit(rl))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))

	resp, err = app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))

	for _, key := range []string{"other", "another", "third"} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-API-Key", key)
		resp, err = app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode, key)
	}
}

func TestIdempotencyMiddlewareReplays(t *testing.T) {
	store := NewIdempotencyStore(time.Hour)
	defer store.Stop()
	var calls int32

	app := newSecuredApp(Idempotency(store))
	app.Post("/run", func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": n})
	})
	app.Post("/fail", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusBadGateway).SendString("down")
	})

	send := func(path, key string) (int, string, string) {
		req := httptest.NewRequest("POST", path, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body), resp.Header.Get(HeaderIdempotentReplayed)
	}

	status, body, replayed := send("/run", "abc")
	assert.Equal(t, 201, status)
	assert.JSONEq(t, `{"call":1}`, body)
	assert.Empty(t, replayed)

	status, body, replayed = send("/run", "abc")
	assert.Equal(t, 201, status)
	assert.JSONEq(t, `{"call":1}`, body)
	assert.Equal(t, "true", replayed)

	_, body, _ = send("/run", "")
	assert.JSONEq(t, `{"call":2}`, body)

	send("/fail", "abc")
	send("/fail", "abc")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestRequestIDAndHeaders(t *testing.T) {
	app := newSecuredApp(SecurityHeaders(), RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(LocalRequestID).(string))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Len(t, string(body), 36)
	assert.Equal(t, string(body), resp.Header.Get(HeaderRequestID))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderRequestID, "trace-1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "trace-1", resp.Header.Get(HeaderRequestID))
}

func TestRequestValidation(t *testing.T) {
	app := newSecuredApp(RequestValidation(16))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(204) })

	req := httptest.NewRequest("POST", "/", strings.NewReader(`a=b`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"url":"https://example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}

func TestIPAllowlist(t *testing.T) {
	app := newSecuredApp(IPAllowlist([]string{"10.1.2.3"}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(204) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	open := newSecuredApp(IPAllowlist(nil))
	open.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(204) })
	resp, err = open.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}
