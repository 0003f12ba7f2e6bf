package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound covers both missing rows and rows owned by someone else.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate reports a unique constraint violation.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrStaleWrite reports a conditional update whose precondition no longer holds.
	ErrStaleWrite = errors.New("store: stale write")
)

// isUniqueViolation checks for SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
