package sql

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tmshq/tms/internal"
)

// ErrNoRowsAffected is an alias, to save callers an extra import.
var ErrNoRowsAffected = internal.ErrResourceNotFound

// CollectRows collects all rows using the given scan func, normalising
// postgres errors into tms errors.
func CollectRows[T any](rows pgx.Rows, fn pgx.RowToFunc[T]) ([]T, error) {
	collected, err := pgx.CollectRows(rows, fn)
	if err != nil {
		return nil, toError(err)
	}
	return collected, nil
}

// CollectOneRow collects exactly one row using the given scan func,
// normalising postgres errors into tms errors.
func CollectOneRow[T any](rows pgx.Rows, fn pgx.RowToFunc[T]) (T, error) {
	collected, err := pgx.CollectOneRow(rows, fn)
	if err != nil {
		var zero T
		return zero, toError(err)
	}
	return collected, nil
}

// NoRows reports whether the error is the normalised no-rows error.
func NoRows(err error) bool {
	return errors.Is(err, internal.ErrResourceNotFound)
}

// toError normalises a postgres error into a tms error.
func toError(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return internal.ErrResourceNotFound
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "23503": // foreign key violation
			return &ForeignKeyError{PgError: pgErr}
		case "23505": // unique violation
			return internal.ErrResourceAlreadyExists
		}
		return err
	default:
		return err
	}
}

// ForeignKeyError occurs when there is a foreign key violation.
type ForeignKeyError struct {
	*pgconn.PgError
}

func (e *ForeignKeyError) Error() string {
	return e.Detail
}
