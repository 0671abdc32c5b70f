package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/phrazzld/captionq/internal/platform/logger"
)

// TxBeginner starts transactions. *sql.DB implements it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TxFn is the unit of work run by RunInTransaction.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// RunInTransaction runs fn inside one transaction. The transaction commits
// only when fn returns nil; an error or panic from fn rolls it back, and a
// panic is re-raised after the rollback.
func RunInTransaction(ctx context.Context, db TxBeginner, fn TxFn) error {
	log := logger.FromContext(ctx).With("component", "tx")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.ErrorContext(ctx, "failed to begin transaction", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.ErrorContext(ctx, "rollback after panic failed", "error", rbErr, "panic", p)
		} else {
			log.ErrorContext(ctx, "transaction rolled back after panic", "panic", p)
		}
		panic(p)
	}()

	if fnErr := fn(ctx, tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.ErrorContext(ctx, "rollback failed", "rollback_error", rbErr, "error", fnErr)
			return fmt.Errorf("rollback transaction: %v: %w", rbErr, fnErr)
		}
		log.DebugContext(ctx, "transaction rolled back", "error", fnErr)
		return fnErr
	}

	if err := tx.Commit(); err != nil {
		log.ErrorContext(ctx, "failed to commit transaction", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
