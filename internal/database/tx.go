package database

import (
	"context"
	"database/sql"
	"time"
)

const maxTxAttempts = 20

// runInTx executes fn in a transaction bound to the dialect. Transient lock
// errors restart the whole unit of work; fn must only touch the Store it is
// given.
func runInTx(ctx context.Context, db *sql.DB, d dialect, fn func(Store) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = attemptTx(ctx, db, d, fn)
		if err == nil || d.isRetryable == nil || !d.isRetryable(err) || attempt == maxTxAttempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func attemptTx(ctx context.Context, db *sql.DB, d dialect, fn func(Store) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&queries{ex: tx, d: d}); err != nil {
		return err
	}
	return tx.Commit()
}
