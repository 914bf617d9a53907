package storage

import (
	"errors"
	"fmt"
)

// These errors can be returned by reads
var (
	// ErrNotFound is returned when a key is not in the tree.
	ErrNotFound = errors.New("key not found")

	// ErrCapacityExceeded is returned by GetInto when the stored value
	// does not fit the caller's buffer. The error is a *CapacityError
	// carrying the stored size.
	ErrCapacityExceeded = errors.New("value exceeds buffer capacity")
)

// These errors can be returned by writes
var (
	// ErrTransactionFailure is returned when a durable allocation or commit
	// did not complete. Nothing the operation attempted is left behind.
	ErrTransactionFailure = errors.New("transaction failed")

	// ErrKeyRequired is returned when putting an empty key.
	ErrKeyRequired = errors.New("key required")

	// ErrKeyTooLarge is returned when a key is longer than MaxKeySize.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrValueTooLarge is returned when a value is longer than MaxValueSize.
	ErrValueTooLarge = errors.New("value too large")
)

// These errors can be returned while opening or attaching a tree
var (
	// ErrInvalidHandle is returned when attaching to a nil or closed pool.
	ErrInvalidHandle = errors.New("invalid pool handle")

	// ErrInvalidRoot is returned when attaching at an object that is not a
	// tree root record.
	ErrInvalidRoot = errors.New("object is not a tree root")

	// ErrCapacityMismatch is returned when the configured leaf capacity
	// differs from the one the tree was created with.
	ErrCapacityMismatch = errors.New("leaf capacity mismatch")

	// ErrCorrupt is returned when the durable leaf chain or the rebuilt
	// index is inconsistent.
	ErrCorrupt = errors.New("tree corrupt")

	// ErrInvalidOption is returned for out of range options.
	ErrInvalidOption = errors.New("invalid option")

	// ErrClosed is returned when using a tree after Close or Destroy.
	ErrClosed = errors.New("tree closed")
)

// CapacityError reports a value too large for the caller's buffer.
type CapacityError struct {
	Size  int // size of the stored value
	Limit int // size of the caller's buffer
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: value is %d bytes, buffer holds %d", ErrCapacityExceeded, e.Size, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// Status is the coarse outcome of an operation.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return "FAILED"
	}
}

// StatusOf maps an operation error to its Status. A too small buffer and a
// failed transaction both map to StatusFailed.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	default:
		return StatusFailed
	}
}
