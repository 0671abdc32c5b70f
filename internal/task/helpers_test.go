package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/events"
	"github.com/phrazzld/captionq/internal/mocks"
	"github.com/phrazzld/captionq/internal/progress"
	"github.com/phrazzld/captionq/internal/queue"
)

const waitFor = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedEvents collects every emitted task event.
type recordedEvents struct {
	mu     sync.Mutex
	events []*events.TaskEvent
}

func (r *recordedEvents) HandleEvent(_ context.Context, ev *events.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordedEvents) progressFor(taskID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, ev := range r.events {
		if ev.TaskID == taskID && ev.Type == events.TypeProgress && ev.Status == domain.TaskStatusRunning && ev.Message != "" {
			out = append(out, ev.Progress)
		}
	}
	return out
}

type harness struct {
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	store     *mocks.MockTaskStore
	queue     *queue.Manager
	generator *mocks.MockCaptionGenerator
	events    *recordedEvents
	mgr       *Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := discardLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	taskStore := mocks.NewMockTaskStore()
	recorded := &recordedEvents{}
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(recorded)
	reporter, err := progress.NewReporter(taskStore, emitter, logger)
	require.NoError(t, err)

	qm, err := queue.NewManager(rdb, taskStore, logger,
		queue.Config{Namespace: "wt", StaleClaimAfter: 2 * cfg.HeartbeatTTL},
		queue.WithTerminalReporter(reporter))
	require.NoError(t, err)

	gen := &mocks.MockCaptionGenerator{}
	captions, err := NewCaptionTask(gen, logger)
	require.NoError(t, err)
	registry := NewRegistry()
	registry.Register(domain.PayloadKindCaption, captions)

	if cfg.PromoteInterval == 0 {
		cfg.PromoteInterval = 20 * time.Millisecond
	}
	if cfg.ClaimErrorBackoff == 0 {
		cfg.ClaimErrorBackoff = 20 * time.Millisecond
	}
	if cfg.PopTimeout == 0 {
		cfg.PopTimeout = 100 * time.Millisecond
	}
	mgr, err := NewManager(qm, reporter, registry, logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Stop(false, 0) })

	return &harness{
		mr:        mr,
		rdb:       rdb,
		store:     taskStore,
		queue:     qm,
		generator: gen,
		events:    recorded,
		mgr:       mgr,
	}
}

// enqueue submits a caption task for userID with one image per id.
func (h *harness) enqueue(t *testing.T, userID string, p domain.Priority, retry domain.RetryPolicy, imageIDs ...string) *domain.Task {
	t.Helper()
	if len(imageIDs) == 0 {
		imageIDs = []string{userID + "-img"}
	}
	images := make([]domain.CaptionImage, len(imageIDs))
	for i, id := range imageIDs {
		images[i] = domain.CaptionImage{ID: id, URL: fmt.Sprintf("https://img.example.com/%s.png", id)}
	}
	payload, err := domain.NewCaptionPayload(domain.CaptionRequest{Images: images})
	require.NoError(t, err)
	task, err := domain.NewTask(userID, p, payload, retry)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(context.Background(), task, p)
	require.NoError(t, err)
	return task
}

// stored returns the durable copy of a task.
func (h *harness) stored(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// waitForStatus blocks until the durable row of id reaches status.
func (h *harness) waitForStatus(t *testing.T, id string, status domain.TaskStatus) *domain.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := h.store.GetTask(context.Background(), id)
		return err == nil && task.Status == status
	}, waitFor, 10*time.Millisecond, "task %s never reached %s", id, status)
	return h.stored(t, id)
}

func allTiers() []TierSet {
	return []TierSet{{Tiers: domain.Priorities, Count: 1}}
}
