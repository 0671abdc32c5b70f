package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/metrics"
	"github.com/phrazzld/captionq/internal/redact"
)

// MigrateFromDurableStore imports fallback records into the broker in
// priority order, oldest first within a tier, and returns how many were
// imported. Records the broker already holds are only marked, so repeated
// runs never create duplicates. A record whose user already owns a
// different active task is failed.
//
// A broker failure stops the drain; records not yet imported stay pending.
func (m *Manager) MigrateFromDurableStore(ctx context.Context) (int, error) {
	migrated := 0
	for {
		tasks, err := m.store.ListPendingFallback(ctx, m.cfg.MigrationBatch)
		if err != nil {
			return migrated, fmt.Errorf("list fallback tasks: %w", err)
		}
		if len(tasks) == 0 {
			break
		}
		for _, task := range tasks {
			imported, err := m.importTask(ctx, task)
			if err != nil {
				if migrated > 0 {
					metrics.FallbackMigratedTotal.Add(float64(migrated))
				}
				return migrated, err
			}
			if imported {
				migrated++
			}
		}
		if err := ctx.Err(); err != nil {
			metrics.FallbackMigratedTotal.Add(float64(migrated))
			return migrated, err
		}
	}

	if migrated > 0 {
		metrics.FallbackMigratedTotal.Add(float64(migrated))
		m.logger.InfoContext(ctx, "fallback tasks migrated into broker", "count", migrated)
	}
	return migrated, nil
}

// PendingFallbackCount returns the number of fallback records awaiting
// import.
func (m *Manager) PendingFallbackCount(ctx context.Context) (int, error) {
	return m.store.CountPendingFallback(ctx)
}

func (m *Manager) importTask(ctx context.Context, task *domain.Task) (bool, error) {
	if !task.Priority.Valid() {
		task.Priority = domain.PriorityNormal
	}
	if task.EnqueuedAt == nil {
		task.MarkEnqueued(m.now())
	}
	entry, err := Encode(task)
	if err != nil {
		return false, m.failImport(ctx, task, err.Error())
	}

	if done, err := m.settledInBroker(ctx, task.ID); err != nil || done {
		return false, err
	}

	res, err := importScript.Run(ctx, m.rdb,
		[]string{
			m.keys.active(task.UserID),
			m.keys.record(task.ID),
			m.keys.tier(task.Priority),
			m.keys.inflight(),
			m.keys.delayed(task.Priority),
		},
		task.ID, entry, seconds(m.cfg.ActiveTTL), seconds(m.cfg.Retention),
	).Text()
	if err != nil {
		return false, brokerErr("migrate", err)
	}

	if active, conflict := strings.CutPrefix(res, "conflict:"); conflict {
		detail := fmt.Sprintf("user already has active task %s", active)
		return false, m.failImport(ctx, task, detail)
	}

	if err := m.store.MarkInBroker(ctx, task.ID); err != nil {
		return false, fmt.Errorf("mark task %s migrated: %w", task.ID, err)
	}
	if res == "exists" {
		m.logger.DebugContext(ctx, "fallback task already in broker", "task_id", task.ID)
		return false, nil
	}
	m.logger.DebugContext(ctx, "fallback task migrated",
		"task_id", task.ID,
		"tier", string(task.Priority))
	return true, nil
}

// settledInBroker copies a terminal broker record of id over its fallback
// row and reports true, so a finished task is never imported again.
func (m *Manager) settledInBroker(ctx context.Context, id string) (bool, error) {
	entry, err := m.rdb.Get(ctx, m.keys.record(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, brokerErr("migrate", err)
	}
	task, err := Decode(entry)
	if err != nil || !task.Status.IsTerminal() {
		return false, nil
	}
	if err := m.store.UpsertTask(ctx, task, true); err != nil {
		return false, fmt.Errorf("settle migrated task %s: %w", id, err)
	}
	m.logger.InfoContext(ctx, "fallback task already finished in broker",
		"task_id", id,
		"status", string(task.Status))
	return true, nil
}

func (m *Manager) failImport(ctx context.Context, task *domain.Task, detail string) error {
	if err := task.Terminate(domain.TaskStatusFailed, redact.String(detail), m.now()); err != nil {
		return err
	}
	m.logger.WarnContext(ctx, "fallback task failed during migration",
		"task_id", task.ID,
		"user_id", task.UserID,
		"detail", task.ErrorDetail)
	metrics.TasksProcessedTotal.WithLabelValues(string(task.Priority), string(task.Status)).Inc()
	if err := m.store.UpsertTask(ctx, task, false); err != nil {
		return fmt.Errorf("fail migrated task %s: %w", task.ID, err)
	}
	return nil
}
