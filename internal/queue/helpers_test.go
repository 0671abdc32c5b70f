package queue

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/mocks"
)

const testNamespace = "test"

type testEnv struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	store *mocks.MockTaskStore
	mgr   *Manager
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	taskStore := mocks.NewMockTaskStore()
	mgr, err := NewManager(rdb, taskStore, discardLogger(), Config{Namespace: testNamespace},
		append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)

	return &testEnv{mr: mr, rdb: rdb, store: taskStore, mgr: mgr, clock: clock}
}

func newCaptionTask(t *testing.T, userID string) *domain.Task {
	t.Helper()
	payload, err := domain.NewCaptionPayload(domain.CaptionRequest{
		Images: []domain.CaptionImage{{ID: "img-1", URL: "https://example.com/a.png"}},
	})
	require.NoError(t, err)
	task, err := domain.NewTask(userID, domain.PriorityNormal, payload, domain.RetryPolicy{})
	require.NoError(t, err)
	return task
}

// fakeFallback is a FallbackState for tests.
type fakeFallback struct {
	mu     sync.Mutex
	active bool
	errs   []error
}

func (f *fakeFallback) IsFallbackActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeFallback) ReportBrokerError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeFallback) reported() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}
