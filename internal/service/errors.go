package service

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/odvcencio/pkgdb/internal/database"
)

// Error categories returned by every engine operation. Callers match them
// with errors.Is; the wrapped message is meant for humans.
var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("invalid request")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = database.ErrConflict
	ErrUnavailable = errors.New("dependency unavailable")
)

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, what, err)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// outcome maps an error onto a low-cardinality metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
