package store

import (
	"errors"
	"fmt"

	"github.com/roach88/tasksync/internal/entity"
)

var (
	// ErrStaleWrite matches any *StaleWriteError via errors.Is.
	ErrStaleWrite = errors.New("stale write")

	// ErrNotFound is returned when an operation needs an entity that is not stored.
	ErrNotFound = errors.New("entity not found")
)

// StaleWriteError reports a write rejected by the revision gate.
// Callers log it; it is never shown to users.
type StaleWriteError struct {
	Key      entity.Key
	Stored   int64
	Incoming int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for %s: incoming revision %d, stored %d", e.Key, e.Incoming, e.Stored)
}

// Is makes errors.Is(err, ErrStaleWrite) succeed.
func (e *StaleWriteError) Is(target error) bool {
	return target == ErrStaleWrite
}

// Duplicate reports whether the incoming revision equals the stored one.
func (e *StaleWriteError) Duplicate() bool {
	return e.Incoming == e.Stored
}

// IsStaleWrite returns true if err is or wraps a *StaleWriteError.
func IsStaleWrite(err error) bool {
	var se *StaleWriteError
	return errors.As(err, &se)
}

// InvalidEntityError reports an entity that cannot be stored at all.
type InvalidEntityError struct {
	Key    entity.Key
	Reason string
}

func (e *InvalidEntityError) Error() string {
	return fmt.Sprintf("invalid entity %s: %s", e.Key, e.Reason)
}
