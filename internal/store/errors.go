package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")

	// ErrBatchNotFound and ErrDayNotFound both match ErrNotFound with
	// errors.Is, so callers that only care about "missing" need one check.
	ErrBatchNotFound = fmt.Errorf("batch %w", ErrNotFound)
	ErrDayNotFound   = fmt.Errorf("day %w", ErrNotFound)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
