package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	// Rollback after a successful commit is a no-op, and this way a panic
	// inside fn cannot leak an open transaction.
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}
