package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Error taxonomy for the workspace store. Callers match with errors.Is.
var (
	// ErrOpen means the store file could not be opened or created.
	ErrOpen = errors.New("store: open failed")
	// ErrCorrupt means the store file is not a usable database.
	ErrCorrupt = errors.New("store: corrupt database")
	// ErrIO means a disk-level failure; the enclosing transaction was rolled back.
	ErrIO = errors.New("store: io failure")
	// ErrConflict means write access could not be acquired within the retry
	// budget. The operation is safe to retry.
	ErrConflict = errors.New("store: write conflict")
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// classify maps driver-level errors onto the store error taxonomy while
// preserving the original error text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		case sqlite3.ErrFull, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return err
}

// IsRetryable reports whether the error is a transient write conflict.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
