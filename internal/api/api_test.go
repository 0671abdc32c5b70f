package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/health"
	"github.com/phrazzld/captionq/internal/mocks"
	"github.com/phrazzld/captionq/internal/progress"
	"github.com/phrazzld/captionq/internal/queue"
	"github.com/phrazzld/captionq/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWorkerPool struct {
	units  int
	scaled []domain.Priority
}

func (f *fakeWorkerPool) WorkerHealth(context.Context) *task.Health {
	return &task.Health{Units: []task.UnitStatus{{ID: "unit-1", Tiers: domain.Priorities, Healthy: true}}}
}

func (f *fakeWorkerPool) ScaleTier(_ context.Context, tier domain.Priority, delta int) (int, error) {
	f.scaled = append(f.scaled, tier)
	f.units += delta
	return delta, nil
}

func (f *fakeWorkerPool) UnitCount() int { return f.units }

type testServer struct {
	mr      *miniredis.Miniredis
	handler http.Handler
	store   *mocks.MockTaskStore
	queue   *queue.Manager
	workers *fakeWorkerPool
}

func newTestServer(t *testing.T, withWorkers bool) *testServer {
	t.Helper()
	logger := discardLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	taskStore := mocks.NewMockTaskStore()
	reporter, err := progress.NewReporter(taskStore, nil, logger)
	require.NoError(t, err)
	qm, err := queue.NewManager(rdb, taskStore, logger, queue.Config{Namespace: "api"},
		queue.WithTerminalReporter(reporter))
	require.NoError(t, err)
	monitor, err := health.NewMonitor(qm, qm, logger, health.Config{})
	require.NoError(t, err)

	ts := &testServer{mr: mr, store: taskStore, queue: qm}
	var pool WorkerPool
	if withWorkers {
		ts.workers = &fakeWorkerPool{units: 3}
		pool = ts.workers
	}
	retry := domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	ts.handler = NewRouter(
		NewTaskHandler(qm, taskStore, retry, logger),
		NewAdminHandler(qm, pool, monitor, logger),
		logger,
	)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func captionBody(userID, priority string) map[string]any {
	return map[string]any{
		"user_id":  userID,
		"priority": priority,
		"payload": map[string]any{
			"images": []map[string]string{{"id": "img-1", "url": "https://img.example.com/1.png"}},
		},
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
