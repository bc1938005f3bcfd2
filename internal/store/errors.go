package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a queue item does not exist.
	ErrNotFound = errors.New("queue item not found")
	// ErrStatusConflict is returned when a guarded transition finds the item in another status.
	ErrStatusConflict = errors.New("queue item status does not allow this transition")
)

// PersistenceError wraps an I/O failure of the underlying store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
