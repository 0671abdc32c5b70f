package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/metrics"
)

// WorkerStatus is a registered worker and whether its heartbeat is live.
type WorkerStatus struct {
	domain.WorkerInfo
	Alive bool `json:"alive"`
}

// Heartbeat publishes info under the worker's key with the given TTL and
// registers the worker ID. A worker whose key expires is considered dead.
func (m *Manager) Heartbeat(ctx context.Context, info domain.WorkerInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return &domain.CoordinationError{WorkerID: info.ID, Op: "heartbeat", Err: err}
	}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.keys.worker(info.ID), data, ttl)
		pipe.SAdd(ctx, m.keys.workers(), info.ID)
		return nil
	})
	if err != nil {
		return &domain.CoordinationError{WorkerID: info.ID, Op: "heartbeat", Err: brokerErr("heartbeat", err)}
	}
	return nil
}

// Deregister removes a worker's heartbeat and registration.
func (m *Manager) Deregister(ctx context.Context, workerID string) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.keys.worker(workerID))
		pipe.SRem(ctx, m.keys.workers(), workerID)
		return nil
	})
	if err != nil {
		return &domain.CoordinationError{WorkerID: workerID, Op: "deregister", Err: brokerErr("deregister", err)}
	}
	return nil
}

// Workers lists every registered worker. Workers whose heartbeat expired
// are returned with Alive=false until RecoverOrphans prunes them.
func (m *Manager) Workers(ctx context.Context) ([]WorkerStatus, error) {
	ids, err := m.rdb.SMembers(ctx, m.keys.workers()).Result()
	if err != nil {
		return nil, brokerErr("list workers", err)
	}
	out := make([]WorkerStatus, 0, len(ids))
	for _, id := range ids {
		data, err := m.rdb.Get(ctx, m.keys.worker(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			out = append(out, WorkerStatus{WorkerInfo: domain.WorkerInfo{ID: id}})
			continue
		}
		if err != nil {
			return nil, brokerErr("get worker", err)
		}
		var info domain.WorkerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			info = domain.WorkerInfo{ID: id}
		}
		out = append(out, WorkerStatus{WorkerInfo: info, Alive: true})
	}
	return out, nil
}

// RecoverOrphans returns abandoned work to the tiers and prunes dead
// workers from the registry. Work is abandoned when its worker's heartbeat
// expired, or when a live worker's heartbeat has not named the task for
// longer than StaleClaimAfter because the worker could not settle it.
// Removing the in-flight entry is the claim on an orphan, so concurrent
// recoverers never requeue the same task twice. Unstarted claims left on
// dead workers' processing lists go back to the head of their tier.
// Returns the number of tasks requeued.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	claims, err := m.rdb.HGetAll(ctx, m.keys.inflight()).Result()
	if err != nil {
		return 0, brokerErr("list in-flight tasks", err)
	}

	hb := newHeartbeats(m)
	recovered := 0
	for taskID, workerID := range claims {
		owner, err := hb.lookup(ctx, workerID)
		if err != nil {
			return recovered, err
		}
		if owner.alive {
			stale, err := m.staleClaim(ctx, taskID, owner)
			if err != nil {
				return recovered, err
			}
			if !stale {
				continue
			}
		}
		requeued, err := m.requeueOrphan(ctx, taskID, workerID)
		if err != nil {
			return recovered, err
		}
		if requeued {
			recovered++
		}
	}

	restored, err := m.restoreDeadClaims(ctx, hb)
	recovered += restored
	if err != nil {
		return recovered, err
	}

	ids, err := m.rdb.SMembers(ctx, m.keys.workers()).Result()
	if err != nil {
		return recovered, brokerErr("list workers", err)
	}
	for _, id := range ids {
		w, err := hb.lookup(ctx, id)
		if err != nil {
			return recovered, err
		}
		if !w.alive {
			m.rdb.SRem(ctx, m.keys.workers(), id)
			m.logger.InfoContext(ctx, "pruned dead worker", "worker_id", id)
		}
	}

	if recovered > 0 {
		metrics.OrphansRecoveredTotal.Add(float64(recovered))
	}
	return recovered, nil
}

// heartbeat is one worker's liveness as seen by a reaper pass. readable is
// false when the record exists but could not be decoded.
type heartbeat struct {
	info     domain.WorkerInfo
	alive    bool
	readable bool
}

// heartbeats caches worker heartbeat lookups for one reaper pass.
type heartbeats struct {
	m    *Manager
	seen map[string]heartbeat
}

func newHeartbeats(m *Manager) *heartbeats {
	return &heartbeats{m: m, seen: make(map[string]heartbeat)}
}

func (h *heartbeats) lookup(ctx context.Context, workerID string) (heartbeat, error) {
	if hb, ok := h.seen[workerID]; ok {
		return hb, nil
	}
	data, err := h.m.rdb.Get(ctx, h.m.keys.worker(workerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		h.seen[workerID] = heartbeat{}
		return heartbeat{}, nil
	}
	if err != nil {
		return heartbeat{}, brokerErr("check worker heartbeat", err)
	}
	hb := heartbeat{alive: true, readable: true}
	if err := json.Unmarshal(data, &hb.info); err != nil {
		hb.readable = false
	}
	hb.info.ID = workerID
	h.seen[workerID] = hb
	return hb, nil
}

// staleClaim reports whether the in-flight task taskID was abandoned by its
// live worker: the heartbeat names another task and the broker record shows
// no run by this worker that started within StaleClaimAfter.
func (m *Manager) staleClaim(ctx context.Context, taskID string, hb heartbeat) (bool, error) {
	if !hb.readable || hb.info.CurrentTaskID == taskID {
		return false, nil
	}
	entry, err := m.rdb.Get(ctx, m.keys.record(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, brokerErr("load in-flight task", err)
	}
	task, err := Decode(entry)
	if err != nil {
		return true, nil
	}
	if task.Status != domain.TaskStatusRunning || task.WorkerID != hb.info.ID || task.StartedAt == nil {
		return true, nil
	}
	return m.now().Sub(*task.StartedAt) > m.cfg.StaleClaimAfter, nil
}

// restoreDeadClaims restores the processing lists of workers whose
// heartbeat expired.
func (m *Manager) restoreDeadClaims(ctx context.Context, hb *heartbeats) (int, error) {
	prefix := m.keys.processingPrefix()
	restored := 0
	iter := m.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		workerID := strings.TrimPrefix(iter.Val(), prefix)
		w, err := hb.lookup(ctx, workerID)
		if err != nil {
			return restored, err
		}
		if w.alive {
			continue
		}
		n, err := m.RestoreClaims(ctx, workerID)
		restored += n
		if err != nil {
			return restored, err
		}
	}
	if err := iter.Err(); err != nil {
		return restored, brokerErr("scan processing lists", err)
	}
	return restored, nil
}

func (m *Manager) requeueOrphan(ctx context.Context, taskID, workerID string) (bool, error) {
	n, err := m.rdb.HDel(ctx, m.keys.inflight(), taskID).Result()
	if err != nil {
		return false, brokerErr("claim orphan", err)
	}
	if n == 0 {
		return false, nil
	}

	entry, err := m.rdb.Get(ctx, m.keys.record(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		m.logger.WarnContext(ctx, "orphaned task record expired", "task_id", taskID, "worker_id", workerID)
		return false, nil
	}
	if err != nil {
		return false, brokerErr("load orphan", err)
	}
	task, err := Decode(entry)
	if err != nil {
		m.FailUndecodable(ctx, entry, err)
		return false, nil
	}
	if task.Status.IsTerminal() {
		return false, nil
	}

	// The worker may have finished the task durably without reaching the
	// broker. Settle the broker side from that row instead of rerunning.
	if row, err := m.store.GetTask(ctx, taskID); err == nil && row.Status.IsTerminal() {
		released, err := m.Finish(ctx, row)
		if err != nil {
			return false, err
		}
		m.logger.InfoContext(ctx, "settled orphan already finished in durable store",
			"task_id", taskID,
			"worker_id", workerID,
			"status", string(row.Status),
			"slot_released", released)
		return false, nil
	}

	if err := task.Release(); err != nil {
		return false, err
	}
	if err := m.Requeue(ctx, task, 0); err != nil {
		return false, fmt.Errorf("requeue orphan %s: %w", taskID, err)
	}
	m.logger.WarnContext(ctx, "requeued abandoned task",
		"task_id", taskID,
		"worker_id", workerID,
		"tier", string(task.Priority))
	return true, nil
}
