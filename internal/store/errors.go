package store

import (
	"errors"
	"fmt"
	"strings"
)

// StorageError wraps a failure at the persistence layer that the caller
// cannot resolve by itself: connection loss, serialization failure, or
// a constraint violation the Store does not handle internally. Callers
// do not retry at this layer; the
// webhook handler turns this into a 500 so the sender retries, and the
// agent loop sleeps and re-polls.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// isUniqueViolation recognizes the "UNIQUE constraint failed" error text
// that modernc.org/sqlite returns. UpsertRepo does not call it: it looks
// the (owner, name) row up before inserting.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
