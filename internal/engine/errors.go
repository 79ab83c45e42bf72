package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tasksync/internal/entity"
)

// ErrorCode categorizes coordinator errors.
type ErrorCode string

const (
	// ErrCodeUnknownEntity: a mutation named an entity the store does not hold.
	ErrCodeUnknownEntity ErrorCode = "UNKNOWN_ENTITY"

	// ErrCodeMutationRejected: the server refused a mutation and it was rolled back.
	ErrCodeMutationRejected ErrorCode = "MUTATION_REJECTED"

	// ErrCodePartialBulkFailure: some items of a bulk mutation failed.
	ErrCodePartialBulkFailure ErrorCode = "PARTIAL_BULK_FAILURE"
)

var (
	// ErrUnknownEntity matches *UnknownEntityError via errors.Is.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrMutationRejected matches *MutationRejectedError via errors.Is.
	ErrMutationRejected = errors.New("mutation rejected")

	// ErrStopped is returned when work is submitted after the Run loop exited.
	ErrStopped = errors.New("engine stopped")
)

// UnknownEntityError is returned synchronously when a mutation targets an id the
// store does not hold. It signals a caller bug, not a server condition.
type UnknownEntityError struct {
	Key entity.Key
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("%s: no entity %s", ErrCodeUnknownEntity, e.Key)
}

func (e *UnknownEntityError) Is(target error) bool {
	return target == ErrUnknownEntity
}

// MutationRejectedError reports a mutation the server refused. By the time the
// caller sees it the prediction has been rolled back (or superseded).
type MutationRejectedError struct {
	Token string
	Key   entity.Key
	Cause error
}

func (e *MutationRejectedError) Error() string {
	return fmt.Sprintf("%s: %s (token=%s): %v", ErrCodeMutationRejected, e.Key, e.Token, e.Cause)
}

func (e *MutationRejectedError) Unwrap() error {
	return e.Cause
}

func (e *MutationRejectedError) Is(target error) bool {
	return target == ErrMutationRejected
}

// PartialBulkFailureError is returned by MutateBulk when at least one item failed.
// Report lists every item's outcome.
type PartialBulkFailureError struct {
	Report BulkReport
}

func (e *PartialBulkFailureError) Error() string {
	total := len(e.Report.Succeeded) + len(e.Report.Failed)
	return fmt.Sprintf("%s: %d of %d items failed", ErrCodePartialBulkFailure, len(e.Report.Failed), total)
}

// IsUnknownEntity returns true if err is or wraps an *UnknownEntityError.
func IsUnknownEntity(err error) bool {
	var ue *UnknownEntityError
	return errors.As(err, &ue)
}

// IsMutationRejected returns true if err is or wraps a *MutationRejectedError.
func IsMutationRejected(err error) bool {
	var re *MutationRejectedError
	return errors.As(err, &re)
}

// IsPartialBulkFailure returns true if err is or wraps a *PartialBulkFailureError.
func IsPartialBulkFailure(err error) bool {
	var pe *PartialBulkFailureError
	return errors.As(err, &pe)
}
