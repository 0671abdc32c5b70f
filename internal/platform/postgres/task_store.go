package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/captionq/internal/domain"
	"github.com/phrazzld/captionq/internal/platform/logger"
	"github.com/phrazzld/captionq/internal/store"
)

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a new PostgresTaskStore. When db is a
// *sql.DB, multi-statement writes run in their own transaction; when it is
// a *sql.Tx they join the caller's.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

const taskColumns = `
	id, user_id, priority, status, payload, retry_count, retry,
	progress, progress_message, error_detail, result, worker_id,
	created_at, enqueued_at, started_at, completed_at`

// UpsertTask inserts or updates the task row and appends a history event
// when the status changes. Terminal rows are never overwritten.
func (s *PostgresTaskStore) UpsertTask(ctx context.Context, task *domain.Task, inBroker bool) error {
	return s.inTx(ctx, func(ctx context.Context, db store.DBTX) error {
		return upsertTask(ctx, db, task, inBroker)
	})
}

// RequeueFallback stores a queued task as a pending fallback row so the next
// migration imports it.
func (s *PostgresTaskStore) RequeueFallback(ctx context.Context, task *domain.Task) error {
	if task.Status != domain.TaskStatusQueued {
		return fmt.Errorf("%w: fallback row must be queued, got %s", store.ErrInvalidEntity, task.Status)
	}
	return s.inTx(ctx, func(ctx context.Context, db store.DBTX) error {
		if err := upsertTask(ctx, db, task, false); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, `
			UPDATE caption_tasks SET in_broker = FALSE, updated_at = NOW()
			WHERE id = $1 AND status = 'queued'
		`, task.ID)
		return MapError(err)
	})
}

// upsertTask writes task unless its row is already terminal, recording a
// history event when the status changes.
func upsertTask(ctx context.Context, db store.DBTX, task *domain.Task, inBroker bool) error {
	var previous string
	err := db.QueryRowContext(ctx,
		`SELECT status FROM caption_tasks WHERE id = $1 FOR UPDATE`, task.ID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return MapError(err)
	}
	if domain.TaskStatus(previous).IsTerminal() {
		return nil
	}

	query := `
		INSERT INTO caption_tasks (
			id, user_id, priority, priority_rank, status, payload, retry_count, retry,
			progress, progress_message, error_detail, result, worker_id, in_broker,
			created_at, enqueued_at, started_at, completed_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			priority_rank = EXCLUDED.priority_rank,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			retry_count = EXCLUDED.retry_count,
			retry = EXCLUDED.retry,
			progress = EXCLUDED.progress,
			progress_message = EXCLUDED.progress_message,
			error_detail = EXCLUDED.error_detail,
			result = EXCLUDED.result,
			worker_id = EXCLUDED.worker_id,
			in_broker = caption_tasks.in_broker OR EXCLUDED.in_broker,
			enqueued_at = COALESCE(EXCLUDED.enqueued_at, caption_tasks.enqueued_at),
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()
	`
	args, err := taskArgs(task, inBroker)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return MapError(err)
	}

	if previous != string(task.Status) {
		return insertEvent(ctx, db, task)
	}
	return nil
}

// CreateFallbackTask inserts a queued row the broker does not hold.
func (s *PostgresTaskStore) CreateFallbackTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	return s.inTx(ctx, func(ctx context.Context, db store.DBTX) error {
		query := `
			INSERT INTO caption_tasks (
				id, user_id, priority, priority_rank, status, payload, retry_count, retry,
				progress, progress_message, error_detail, result, worker_id, in_broker,
				created_at, enqueued_at, started_at, completed_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		`
		args, err := taskArgs(task, false)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			mapped := MapError(err)
			if !store.IsDuplicateError(mapped) {
				log.Error("failed to insert fallback task",
					"task_id", task.ID,
					"error", err)
			}
			return mapped
		}
		return insertEvent(ctx, db, task)
	})
}

// GetTask retrieves a task by ID.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM caption_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return task, nil
}

// UpdateProgress records progress for a queued or running task.
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE caption_tasks
		SET progress = $2, progress_message = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, percent, message)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, fmt.Errorf("%w: task %s missing or terminal", store.ErrUpdateFailed, id))
}

// ListPendingFallback returns queued rows not yet imported into the broker.
func (s *PostgresTaskStore) ListPendingFallback(ctx context.Context, limit int) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM caption_tasks
		WHERE status = 'queued' AND NOT in_broker
		ORDER BY priority_rank ASC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// MarkInBroker flags a fallback row as imported.
func (s *PostgresTaskStore) MarkInBroker(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE caption_tasks SET in_broker = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

// CountPendingFallback counts queued rows not yet imported.
func (s *PostgresTaskStore) CountPendingFallback(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM caption_tasks WHERE status = 'queued' AND NOT in_broker`,
	).Scan(&n)
	if err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// ListTaskEvents returns the status history of a task, oldest first.
func (s *PostgresTaskStore) ListTaskEvents(ctx context.Context, id string) ([]store.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, detail, worker_id, created_at
		FROM caption_task_events
		WHERE task_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var events []store.TaskEvent
	for rows.Next() {
		ev := store.TaskEvent{TaskID: id}
		var status string
		if err := rows.Scan(&status, &ev.Detail, &ev.WorkerID, &ev.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		ev.Status = domain.TaskStatus(status)
		events = append(events, ev)
	}
	return events, MapError(rows.Err())
}

// inTx runs fn in a transaction when the store was built on a *sql.DB, and
// directly on the handle otherwise.
func (s *PostgresTaskStore) inTx(ctx context.Context, fn func(ctx context.Context, db store.DBTX) error) error {
	beginner, ok := s.db.(store.TxBeginner)
	if !ok {
		return fn(ctx, s.db)
	}
	return store.RunInTransaction(ctx, beginner, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, tx)
	})
}

func insertEvent(ctx context.Context, db store.DBTX, task *domain.Task) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO caption_task_events (task_id, status, detail, worker_id)
		VALUES ($1, $2, $3, $4)
	`, task.ID, string(task.Status), task.ErrorDetail, task.WorkerID)
	return MapError(err)
}

func taskArgs(task *domain.Task, inBroker bool) ([]any, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", store.ErrInvalidEntity, err)
	}
	retry, err := json.Marshal(task.Retry)
	if err != nil {
		return nil, fmt.Errorf("%w: retry policy: %v", store.ErrInvalidEntity, err)
	}
	var result []byte
	if len(task.Result) > 0 {
		result = []byte(task.Result)
	}
	return []any{
		task.ID,
		task.UserID,
		string(task.Priority),
		task.Priority.Rank(),
		string(task.Status),
		payload,
		task.RetryCount,
		retry,
		task.Progress,
		task.ProgressMessage,
		task.ErrorDetail,
		result,
		task.WorkerID,
		inBroker,
		task.CreatedAt,
		nullTime(task.EnqueuedAt),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task                             domain.Task
		priority, status                 string
		payload, retry, result           []byte
		enqueuedAt, startedAt, completed sql.NullTime
	)
	err := row.Scan(
		&task.ID, &task.UserID, &priority, &status, &payload, &task.RetryCount, &retry,
		&task.Progress, &task.ProgressMessage, &task.ErrorDetail, &result, &task.WorkerID,
		&task.CreatedAt, &enqueuedAt, &startedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	task.Priority = domain.Priority(priority)
	task.Status = domain.TaskStatus(status)
	if err := json.Unmarshal(payload, &task.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal(retry, &task.Retry); err != nil {
		return nil, fmt.Errorf("decode retry policy of task %s: %w", task.ID, err)
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	task.EnqueuedAt = timePtr(enqueuedAt)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completed)
	return &task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
