package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phrazzld/captionq/internal/store"
)

// SQLSTATE classes the task store distinguishes.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeNotNullViolation    = "23502"
)

// activeTaskConstraint is the partial unique index allowing one queued or
// running task per user.
const activeTaskConstraint = "caption_tasks_one_active_per_user"

// MapError translates driver errors into store sentinels, keeping the
// driver error text in the message. Errors it does not recognise are
// returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	var sentinel error
	switch pgErr.Code {
	case codeUniqueViolation:
		sentinel = store.ErrDuplicate
		if pgErr.ConstraintName == activeTaskConstraint {
			sentinel = store.ErrActiveTaskExists
		}
	case codeForeignKeyViolation, codeCheckViolation:
		return fmt.Errorf("%w: constraint %s: %v", store.ErrInvalidEntity, pgErr.ConstraintName, err)
	case codeNotNullViolation:
		return fmt.Errorf("%w: column %s is null: %v", store.ErrInvalidEntity, pgErr.ColumnName, err)
	default:
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// CheckRowsAffected returns notFound, or store.ErrNotFound when notFound is
// nil, if result touched no rows.
func CheckRowsAffected(result sql.Result, notFound error) error {
	if result == nil {
		return errors.New("check rows affected: nil result")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if notFound != nil {
		return notFound
	}
	return store.ErrNotFound
}
