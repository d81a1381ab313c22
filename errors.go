package tillsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the tillsync package.
var (
	// ErrEngineClosed is returned when operations are attempted on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrInvalidVenue is returned for malformed venue identifiers.
	ErrInvalidVenue = errors.New("invalid venue id")

	// ErrInvalidTerminal is returned for malformed terminal identifiers.
	ErrInvalidTerminal = errors.New("invalid terminal id")

	// ErrUnknownOperationType is returned when enqueueing an operation type
	// that was not registered at startup.
	ErrUnknownOperationType = errors.New("unknown operation type")

	// ErrDependencyNotFound is returned when an enqueued operation declares
	// a depends-on referencing an operation that does not exist.
	ErrDependencyNotFound = errors.New("depends-on operation not found")

	// ErrEmptyPayload is returned when an operation carries no payload.
	ErrEmptyPayload = errors.New("empty operation payload")

	// ErrSyncInProgress is returned when a sync pass is requested for a
	// terminal whose advisory claim is already held by another pass.
	ErrSyncInProgress = errors.New("sync already in progress for terminal")

	// ErrConflictNotFound is returned when resolving a conflict id that
	// does not exist.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrNoApplier is returned when the background scheduler runs without
	// a registered applier.
	ErrNoApplier = errors.New("no applier registered")
)

// EnqueueErrorReason categorizes enqueue validation failures.
type EnqueueErrorReason int

const (
	// EnqueueReasonUnknown is an unclassified enqueue failure.
	EnqueueReasonUnknown EnqueueErrorReason = iota
	// EnqueueReasonVenue indicates a malformed venue id.
	EnqueueReasonVenue
	// EnqueueReasonTerminal indicates a malformed terminal id.
	EnqueueReasonTerminal
	// EnqueueReasonType indicates an unregistered operation type.
	EnqueueReasonType
	// EnqueueReasonDependency indicates a depends-on referencing a
	// nonexistent operation.
	EnqueueReasonDependency
	// EnqueueReasonPayload indicates a missing or malformed payload.
	EnqueueReasonPayload
)

// EnqueueError reports a synchronous enqueue validation failure. The
// operation was rejected and never queued.
type EnqueueError struct {
	Reason   EnqueueErrorReason
	Message  string
	Venue    int64
	Terminal string
	Cause    error
}

func (e *EnqueueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("enqueue rejected: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("enqueue rejected: %s", e.Message)
}

func (e *EnqueueError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for EnqueueError.
func (e *EnqueueError) Is(target error) bool {
	switch e.Reason {
	case EnqueueReasonVenue:
		return target == ErrInvalidVenue
	case EnqueueReasonTerminal:
		return target == ErrInvalidTerminal
	case EnqueueReasonType:
		return target == ErrUnknownOperationType
	case EnqueueReasonDependency:
		return target == ErrDependencyNotFound
	case EnqueueReasonPayload:
		return target == ErrEmptyPayload
	}
	return false
}

// newEnqueueError creates a new EnqueueError.
func newEnqueueError(reason EnqueueErrorReason, message string, venue int64, terminal string) *EnqueueError {
	return &EnqueueError{
		Reason:   reason,
		Message:  message,
		Venue:    venue,
		Terminal: terminal,
	}
}

// StoreError provides detailed information about persistence failures.
type StoreError struct {
	Op      string
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("store %s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// newStoreError creates a new StoreError.
func newStoreError(op, message string, cause error) *StoreError {
	return &StoreError{Op: op, Message: message, Cause: cause}
}
