package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/platform/logger"
)

func TestNewManagerValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewManager(nil, env.store, discardLogger(), Config{})
	assert.Error(t, err)
	_, err = NewManager(env.rdb, nil, discardLogger(), Config{})
	assert.Error(t, err)
	_, err = NewManager(env.rdb, env.store, nil, Config{})
	assert.Error(t, err)
}

func TestEnqueuePriorityOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order := []domain.Priority{
		domain.PriorityLow, domain.PriorityNormal, domain.PriorityUrgent,
		domain.PriorityHigh, domain.PriorityLow, domain.PriorityUrgent,
	}
	ids := make(map[string]domain.Priority)
	var enqueued []string
	for i, p := range order {
		task := newCaptionTask(t, fmt.Sprintf("user-%d", i))
		id, err := env.mgr.Enqueue(ctx, task, p)
		require.NoError(t, err)
		ids[id] = p
		enqueued = append(enqueued, id)
	}

	var popped []domain.Priority
	var poppedIDs []string
	for range order {
		claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", domain.Priorities, time.Second)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		popped = append(popped, claimed.Tier)
		poppedIDs = append(poppedIDs, claimed.Task.ID)
		assert.Equal(t, ids[claimed.Task.ID], claimed.Tier)
	}

	assert.Equal(t, []domain.Priority{
		domain.PriorityUrgent, domain.PriorityUrgent, domain.PriorityHigh,
		domain.PriorityNormal, domain.PriorityLow, domain.PriorityLow,
	}, popped)
	// FIFO within a tier.
	assert.Equal(t, enqueued[2], poppedIDs[0])
	assert.Equal(t, enqueued[5], poppedIDs[1])
	assert.Equal(t, enqueued[0], poppedIDs[4])
	assert.Equal(t, enqueued[4], poppedIDs[5])
}

func TestPopRespectsTierSubset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "a"), domain.PriorityUrgent)
	require.NoError(t, err)
	lowID, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "b"), domain.PriorityLow)
	require.NoError(t, err)

	claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", []domain.Priority{domain.PriorityLow, domain.PriorityNormal}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, lowID, claimed.Task.ID)

	depth, err := env.mgr.Scheduler().Depth(ctx, domain.PriorityUrgent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestPopEmptyReturnsNil(t *testing.T) {
	env := newTestEnv(t)
	claimed, err := env.mgr.Scheduler().Pop(context.Background(), "w1", []domain.Priority{domain.PriorityLow}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_, err = env.mgr.Scheduler().Pop(context.Background(), "w1", nil, time.Second)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEnqueueDuplicateActiveTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := newCaptionTask(t, "user-1")
	_, err := env.mgr.Enqueue(ctx, first, domain.PriorityHigh)
	require.NoError(t, err)

	_, err = env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityUrgent)
	require.ErrorIs(t, err, domain.ErrDuplicateActiveTask)
	var dup *domain.DuplicateActiveTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ActiveTaskID)

	depth, err := env.mgr.Scheduler().Depth(ctx, domain.PriorityUrgent)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, env.mgr.ReleaseUserSlot(ctx, "user-1"))
	_, err = env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityUrgent)
	assert.NoError(t, err)
}

func TestConcurrentEnqueueSameUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const producers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dups      int
	)
	start := make(chan struct{})
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := newCaptionTask(t, "contended-user")
			<-start
			_, err := env.mgr.Enqueue(ctx, task, domain.PriorityNormal)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrDuplicateActiveTask):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, producers-1, dups)

	depth, err := env.mgr.Scheduler().Depth(ctx, domain.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueueUnknownPriorityDowngrades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	buf, log := logger.NewTestLogger(t)
	mgr, err := NewManager(env.rdb, env.store, log, Config{Namespace: testNamespace})
	require.NoError(t, err)

	task := newCaptionTask(t, "user-1")
	_, err = mgr.Enqueue(ctx, task, domain.Priority("critical"))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, task.Priority)

	entry := buf.Find("unknown priority, downgrading to normal")
	require.NotNil(t, entry, buf.String())
	assert.Equal(t, "WARN", entry[slog.LevelKey])
	assert.Equal(t, "critical", entry["requested_priority"])
	assert.Equal(t, task.ID, entry["task_id"])

	depth, err := env.mgr.Scheduler().Depth(ctx, domain.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueueMirrorsToDurableStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := newCaptionTask(t, "user-1")
	id, err := env.mgr.Enqueue(ctx, task, domain.PriorityHigh)
	require.NoError(t, err)

	row, err := env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, row.Status)
	assert.True(t, env.store.InBroker(id))
	require.NotNil(t, row.EnqueuedAt)
}

func TestEnqueueRejectsNonQueuedTask(t *testing.T) {
	env := newTestEnv(t)
	task := newCaptionTask(t, "user-1")
	task.Status = domain.TaskStatusCompleted

	_, err := env.mgr.Enqueue(context.Background(), task, domain.PriorityHigh)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.mgr.Enqueue(context.Background(), nil, domain.PriorityHigh)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEnqueueFallsBackWhenBrokerDown(t *testing.T) {
	env := newTestEnv(t)
	fb := &fakeFallback{}
	env.mgr.SetFallbackState(fb)
	ctx := context.Background()

	env.mr.Close()

	task := newCaptionTask(t, "user-1")
	id, err := env.mgr.Enqueue(ctx, task, domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.reported())

	row, err := env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, row.Status)
	assert.False(t, env.store.InBroker(id))

	_, err = env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityHigh)
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveTask)
}

func TestEnqueueUsesFallbackWhenActive(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.SetFallbackState(&fakeFallback{active: true})
	ctx := context.Background()

	id, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityLow)
	require.NoError(t, err)

	assert.False(t, env.mr.Exists(env.mgr.keys.record(id)))
	n, err := env.store.CountPendingFallback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMigrateFromDurableStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fb := &fakeFallback{active: true}
	env.mgr.SetFallbackState(fb)

	var lowID, urgentID string
	for i, p := range []domain.Priority{domain.PriorityLow, domain.PriorityUrgent, domain.PriorityNormal} {
		task := newCaptionTask(t, fmt.Sprintf("user-%d", i))
		task.CreatedAt = env.clock.Now().Add(time.Duration(i) * time.Second)
		id, err := env.mgr.Enqueue(ctx, task, p)
		require.NoError(t, err)
		switch p {
		case domain.PriorityLow:
			lowID = id
		case domain.PriorityUrgent:
			urgentID = id
		}
	}
	env.mgr.SetFallbackState(&fakeFallback{})

	migrated, err := env.mgr.MigrateFromDurableStore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, migrated)

	again, err := env.mgr.MigrateFromDurableStore(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)

	stats, err := env.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalDepth)
	assert.Zero(t, stats.FallbackPending)

	claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", domain.Priorities, time.Second)
	require.NoError(t, err)
	assert.Equal(t, urgentID, claimed.Task.ID)

	has, err := env.mgr.Tracker().HasActive(ctx, "user-0")
	require.NoError(t, err)
	assert.True(t, has)

	task, err := env.mgr.Inspect(ctx, lowID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
}

func TestMigrateSkipsTasksAlreadyInBroker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mgr.SetFallbackState(&fakeFallback{active: true})

	task := newCaptionTask(t, "user-1")
	_, err := env.mgr.Enqueue(ctx, task, domain.PriorityHigh)
	require.NoError(t, err)

	// Simulate a crash after the import reached the broker but before the
	// durable row was marked.
	require.NoError(t, env.mgr.enqueueBroker(ctx, task))

	migrated, err := env.mgr.MigrateFromDurableStore(ctx)
	require.NoError(t, err)
	assert.Zero(t, migrated)
	assert.True(t, env.store.InBroker(task.ID))

	depth, err := env.mgr.Scheduler().Depth(ctx, domain.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestMigrateFailsConflictingUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fallbackTask := newCaptionTask(t, "user-1")
	fallbackTask.MarkEnqueued(env.clock.Now())
	require.NoError(t, env.store.CreateFallbackTask(ctx, fallbackTask))

	ok, err := env.mgr.Tracker().SetActive(ctx, "user-1", "other-task", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	migrated, err := env.mgr.MigrateFromDurableStore(ctx)
	require.NoError(t, err)
	assert.Zero(t, migrated)

	row, err := env.store.GetTask(ctx, fallbackTask.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, row.Status)
	assert.Contains(t, row.ErrorDetail, "other-task")
}

func TestMigrateStopsOnBrokerFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := newCaptionTask(t, "user-1")
	task.MarkEnqueued(env.clock.Now())
	require.NoError(t, env.store.CreateFallbackTask(ctx, task))

	env.mr.Close()
	_, err := env.mgr.MigrateFromDurableStore(ctx)
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	n, err := env.store.CountPendingFallback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInspect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := newCaptionTask(t, "user-1")
	id, err := env.mgr.Enqueue(ctx, task, domain.PriorityHigh)
	require.NoError(t, err)

	got, err := env.mgr.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, got.Priority)

	// Broker copy gone: durable store answers.
	env.mr.Del(env.mgr.keys.record(id))
	got, err = env.mgr.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	_, err = env.mgr.Inspect(ctx, "00000000-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestRecordRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityHigh)
	require.NoError(t, err)

	ttl := env.mr.TTL(env.mgr.keys.record(id))
	assert.Equal(t, DefaultRetention, ttl)
	env.mr.FastForward(DefaultRetention + time.Second)
	assert.False(t, env.mr.Exists(env.mgr.keys.record(id)))
}

func TestTwoWorkersOneTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityNormal)
	require.NoError(t, err)

	results := make(chan *Claimed, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", domain.Priorities, time.Second)
			assert.NoError(t, err)
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	var got []*Claimed
	for c := range results {
		if c != nil {
			got = append(got, c)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Task.ID)
}

func TestRequeueWithDelayAndPromote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := newCaptionTask(t, "user-1")
	_, err := env.mgr.Enqueue(ctx, task, domain.PriorityHigh)
	require.NoError(t, err)

	claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", domain.Priorities, time.Second)
	require.NoError(t, err)
	running := claimed.Task
	require.NoError(t, env.mgr.MarkRunning(ctx, running, "w1"))

	delay, exhausted := running.ScheduleRetry()
	require.False(t, exhausted)
	require.Equal(t, 60*time.Second, delay)
	require.NoError(t, env.mgr.Requeue(ctx, running, delay))

	stats, err := env.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, int64(1), stats.Tiers[domain.PriorityHigh.Rank()].Delayed)

	env.clock.Advance(59 * time.Second)
	n, err := env.mgr.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(time.Second)
	n, err = env.mgr.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = env.mgr.Scheduler().Pop(ctx, "w1", []domain.Priority{domain.PriorityHigh}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Task.RetryCount)

	has, err := env.mgr.Tracker().HasActive(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFinishReleasesOnlyOwnSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := newCaptionTask(t, "user-1")
	_, err := env.mgr.Enqueue(ctx, task, domain.PriorityHigh)
	require.NoError(t, err)
	claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", domain.Priorities, time.Second)
	require.NoError(t, err)
	require.NoError(t, env.mgr.MarkRunning(ctx, claimed.Task, "w1"))

	// An operator freed the slot and the user enqueued again.
	require.NoError(t, env.mgr.ReleaseUserSlot(ctx, "user-1"))
	second := newCaptionTask(t, "user-1")
	_, err = env.mgr.Enqueue(ctx, second, domain.PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, claimed.Task.Terminate(domain.TaskStatusCompleted, "", time.Now()))
	released, err := env.mgr.Finish(ctx, claimed.Task)
	require.NoError(t, err)
	assert.False(t, released)

	active, err := env.mgr.Tracker().GetActive(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active)

	_, err = env.mgr.Finish(ctx, second)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued task is removed", func(t *testing.T) {
		env := newTestEnv(t)
		id, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityHigh)
		require.NoError(t, err)

		outcome, err := env.mgr.Cancel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, CancelRemoved, outcome)

		depth, err := env.mgr.Scheduler().Depth(ctx, domain.PriorityHigh)
		require.NoError(t, err)
		assert.Zero(t, depth)

		task, err := env.mgr.Inspect(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, task.Status)

		row, err := env.store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, row.Status)

		has, err := env.mgr.Tracker().HasActive(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, has)

		_, err = env.mgr.Cancel(ctx, id)
		assert.ErrorIs(t, err, domain.ErrTaskTerminal)
	})

	t.Run("delayed retry is removed", func(t *testing.T) {
		env := newTestEnv(t)
		task := newCaptionTask(t, "user-1")
		_, err := env.mgr.Enqueue(ctx, task, domain.PriorityLow)
		require.NoError(t, err)
		claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", domain.Priorities, time.Second)
		require.NoError(t, err)
		require.NoError(t, env.mgr.MarkRunning(ctx, claimed.Task, "w1"))
		delay, _ := claimed.Task.ScheduleRetry()
		require.NoError(t, env.mgr.Requeue(ctx, claimed.Task, delay))

		outcome, err := env.mgr.Cancel(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, CancelRemoved, outcome)

		stats, err := env.mgr.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Tiers[domain.PriorityLow.Rank()].Delayed)
	})

	t.Run("running task is flagged", func(t *testing.T) {
		env := newTestEnv(t)
		id, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityHigh)
		require.NoError(t, err)
		claimed, err := env.mgr.Scheduler().Pop(ctx, "w1", domain.Priorities, time.Second)
		require.NoError(t, err)
		require.NoError(t, env.mgr.MarkRunning(ctx, claimed.Task, "w1"))

		outcome, err := env.mgr.Cancel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, CancelRequested, outcome)

		flagged, err := env.mgr.IsCancelRequested(ctx, id)
		require.NoError(t, err)
		assert.True(t, flagged)

		require.NoError(t, claimed.Task.Terminate(domain.TaskStatusCancelled, "", time.Now()))
		_, err = env.mgr.Finish(ctx, claimed.Task)
		require.NoError(t, err)

		flagged, err = env.mgr.IsCancelRequested(ctx, id)
		require.NoError(t, err)
		assert.False(t, flagged)
	})

	t.Run("fallback task is cancelled in the durable store", func(t *testing.T) {
		env := newTestEnv(t)
		env.mgr.SetFallbackState(&fakeFallback{active: true})
		id, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "user-1"), domain.PriorityHigh)
		require.NoError(t, err)

		outcome, err := env.mgr.Cancel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, CancelRemoved, outcome)

		n, err := env.store.CountPendingFallback(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("unknown task", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.mgr.Cancel(ctx, "00000000-0000-4000-8000-000000000000")
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})
}

func TestFailUndecodable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := newCaptionTask(t, "user-1")
	_, err := env.mgr.Enqueue(ctx, task, domain.PriorityHigh)
	require.NoError(t, err)

	corrupt := []byte(fmt.Sprintf(`{"v":1,"task":{"id":%q,"user_id":"user-1","priority":42}}`, task.ID))
	env.mgr.FailUndecodable(ctx, corrupt, &domain.SerializationError{Op: "decode", Err: errors.New("bad priority")})

	row, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, row.Status)
	assert.Contains(t, row.ErrorDetail, "bad priority")

	has, err := env.mgr.Tracker().HasActive(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Enqueue(ctx, newCaptionTask(t, "a"), domain.PriorityUrgent)
	require.NoError(t, err)
	env.clock.Advance(30 * time.Second)
	_, err = env.mgr.Enqueue(ctx, newCaptionTask(t, "b"), domain.PriorityUrgent)
	require.NoError(t, err)
	_, err = env.mgr.Enqueue(ctx, newCaptionTask(t, "c"), domain.PriorityLow)
	require.NoError(t, err)
	env.clock.Advance(10 * time.Second)

	env.store.CountPendingFallbackFn = func(context.Context) (int, error) { return 7, nil }

	stats, err := env.mgr.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Tiers, 4)

	urgent := stats.Tiers[0]
	assert.Equal(t, domain.PriorityUrgent, urgent.Tier)
	assert.Equal(t, int64(2), urgent.Depth)
	assert.Equal(t, 40*time.Second, urgent.OldestAge)

	assert.Equal(t, int64(0), stats.Tiers[1].Depth)
	assert.Zero(t, stats.Tiers[1].OldestAge)
	assert.Equal(t, int64(1), stats.Tiers[3].Depth)
	assert.Equal(t, int64(3), stats.TotalDepth)
	assert.Equal(t, 7, stats.FallbackPending)
}

func TestStatsBrokerDown(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	_, err := env.mgr.Stats(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestInspectDurableErrorsPropagate(t *testing.T) {
	errDurable := errors.New("connection refused")
	env := newTestEnv(t)
	env.store.GetTaskFn = func(context.Context, string) (*domain.Task, error) {
		return nil, errDurable
	}
	_, err := env.mgr.Inspect(context.Background(), "x")
	assert.ErrorIs(t, err, errDurable)
}
