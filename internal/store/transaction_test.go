package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func TestRunInTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE caption_tasks").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "UPDATE caption_tasks SET in_broker = TRUE")
			return err
		})
		assert.NoError(t, err)
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		fnErr := errors.New("function failed")
		err := RunInTransaction(ctx, db, func(context.Context, *sql.Tx) error { return fnErr })
		assert.Same(t, fnErr, err)
	})

	t.Run("begin failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		beginErr := errors.New("begin failed")
		mock.ExpectBegin().WillReturnError(beginErr)

		err := RunInTransaction(ctx, db, func(context.Context, *sql.Tx) error {
			t.Fatal("fn must not run")
			return nil
		})
		assert.ErrorIs(t, err, beginErr)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})

	t.Run("commit failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		commitErr := errors.New("commit failed")
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(commitErr)

		err := RunInTransaction(ctx, db, func(context.Context, *sql.Tx) error { return nil })
		assert.ErrorIs(t, err, commitErr)
		assert.Contains(t, err.Error(), "failed to commit transaction")
	})

	t.Run("rollback failure keeps the original error", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback().WillReturnError(errors.New("rollback failed"))

		fnErr := errors.New("function failed")
		err := RunInTransaction(ctx, db, func(context.Context, *sql.Tx) error { return fnErr })
		assert.ErrorIs(t, err, fnErr)
		assert.Contains(t, err.Error(), "rollback failed")
	})

	t.Run("panic rolls back and propagates", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.PanicsWithValue(t, "boom", func() {
			_ = RunInTransaction(ctx, db, func(context.Context, *sql.Tx) error { panic("boom") })
		})
	})
}
