package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert loses a uniqueness race.
	ErrConflict = errors.New("record already exists")
	// ErrNotEditable is returned when a guarded update finds the row in a terminal status.
	ErrNotEditable = errors.New("record is not editable in its current status")
)

// notFound maps pgx.ErrNoRows onto ErrNotFound and leaves other errors alone.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
