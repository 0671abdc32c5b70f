package api

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/health"
	"github.com/phrazzld/captionq/internal/queue"
	"github.com/phrazzld/captionq/internal/task"
)

func TestQueueStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	ts.do(t, http.MethodPost, "/api/tasks", captionBody("user-1", "urgent"))
	ts.do(t, http.MethodPost, "/api/tasks", captionBody("user-2", "low"))

	w := ts.do(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[queue.QueueStats](t, w)
	assert.Equal(t, int64(2), stats.TotalDepth)
	require.Len(t, stats.Tiers, 4)
	assert.Equal(t, domain.PriorityUrgent, stats.Tiers[0].Tier)
	assert.Equal(t, int64(1), stats.Tiers[0].Depth)
	assert.Equal(t, int64(1), stats.Tiers[3].Depth)

	ts.mr.SetError("LOADING")
	w = ts.do(t, http.MethodGet, "/api/queue/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	ts.mr.SetError("")
}

func TestWorkersEndpoints(t *testing.T) {
	t.Run("no local workers", func(t *testing.T) {
		ts := newTestServer(t, false)
		w := ts.do(t, http.MethodGet, "/api/workers", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decode[task.Health](t, w).Units)

		w = ts.do(t, http.MethodPost, "/api/workers/scale", map[string]any{"tier": "urgent", "delta": 1})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("scale", func(t *testing.T) {
		ts := newTestServer(t, true)
		w := ts.do(t, http.MethodGet, "/api/workers", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[task.Health](t, w).Units, 1)

		w = ts.do(t, http.MethodPost, "/api/workers/scale", map[string]any{"tier": "high", "delta": 2})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, ScaleResponse{Tier: "high", Changed: 2, Units: 5}, decode[ScaleResponse](t, w))
		assert.Equal(t, []domain.Priority{domain.PriorityHigh}, ts.workers.scaled)
	})

	t.Run("scale validation", func(t *testing.T) {
		ts := newTestServer(t, true)
		for _, body := range []map[string]any{
			{"tier": "critical", "delta": 1},
			{"tier": "urgent", "delta": 0},
			{"tier": "urgent", "delta": 1000},
		} {
			w := ts.do(t, http.MethodPost, "/api/workers/scale", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, "%v", body)
		}
		assert.Empty(t, ts.workers.scaled)
	})
}

func TestBrokerEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/api/broker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[health.Status](t, w)
	assert.Equal(t, health.StateHealthy, status.State)
	assert.False(t, status.FallbackActive)
}

func TestMigrateEndpoint(t *testing.T) {
	ts := newTestServer(t, false)

	payload, err := domain.NewCaptionPayload(domain.CaptionRequest{
		Images: []domain.CaptionImage{{ID: "img", URL: "https://img.example.com/x.png"}},
	})
	require.NoError(t, err)
	pending, err := domain.NewTask("user-fallback", domain.PriorityHigh, payload, domain.DefaultRetryPolicy())
	require.NoError(t, err)
	require.NoError(t, ts.store.CreateFallbackTask(t.Context(), pending))

	w := ts.do(t, http.MethodPost, "/api/queue/migrate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, MigrateResponse{Imported: 1, Pending: 0}, decode[MigrateResponse](t, w))

	depth, err := ts.queue.Scheduler().Depth(t.Context(), domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	w = ts.do(t, http.MethodPost, "/api/queue/migrate", nil)
	assert.Equal(t, MigrateResponse{Imported: 0, Pending: 0}, decode[MigrateResponse](t, w))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Queue)
	require.NotNil(t, resp.Workers)
	assert.Len(t, resp.Workers.Units, 1)

	ts.mr.SetError("LOADING")
	w = ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, w).Status)
	ts.mr.SetError("")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	ts.do(t, http.MethodPost, "/api/tasks", captionBody("user-1", "normal"))

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "captionq_tasks_enqueued_total")
}

func TestRequestsCarryTraceID(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(t, http.MethodGet, "/api/tasks/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, decode[map[string]string](t, w)["trace_id"])
}
