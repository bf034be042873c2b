package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mnemora/mnemora/internal/memory"
)

// wrapErr converts a driver error into a relational StoreError, preserving
// the Postgres error code when one is available.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return memory.NewStoreError(memory.StoreRelational, op, pgErr.Code, err)
	}
	return memory.NewStoreError(memory.StoreRelational, op, "", err)
}
