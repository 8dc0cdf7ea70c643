package outbox

import (
	"context"
	"database/sql"
	"errors"
)

type txKey struct{}

// WithTx returns a context carrying the caller's SQL transaction.
// SQLRepository.Add writes through the transaction found in ctx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the SQL transaction carried by ctx.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// RunInTx runs fn within a new transaction carried in its context.
//
// It handles:
//   - Starting the transaction
//   - Committing on success (fn returns nil)
//   - Rolling back on error (fn returns error)
//   - Rolling back on panic (and re-raising the panic)
//
// Example:
//
//	err := outbox.RunInTx(ctx, db, func(ctx context.Context) error {
//	    tx, _ := outbox.TxFromContext(ctx)
//	    if _, err := tx.ExecContext(ctx, "UPDATE orders SET status = $1 WHERE id = $2", "paid", id); err != nil {
//	        return err // Triggers rollback
//	    }
//	    _, err := queue.Enqueue(ctx, OrderPaid{OrderID: id})
//	    return err
//	})
func RunInTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
