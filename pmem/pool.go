package pmem

import (
	"errors"
	"fmt"
)

// OID identifies an object inside a pool. The zero OID is the null
// reference and is never handed out by Alloc.
type OID uint64

// IsNull reports whether the identifier is the null reference.
func (o OID) IsNull() bool { return o == 0 }

func (o OID) String() string { return fmt.Sprintf("oid:%d", uint64(o)) }

// Pool is a durable object store with atomic multi-object commits.
type Pool interface {
	// Layout returns the layout name the pool was created with.
	Layout() string

	// Path returns the location of the pool, or "" for memory pools.
	Path() string

	// Root returns the pool's root object, allocating it zero filled with
	// the given size the first time it is requested.
	Root(size int) (OID, error)

	// Get returns the committed contents of an object. The returned slice
	// must not be modified.
	Get(oid OID) ([]byte, error)

	// Update runs fn inside a transaction. If fn returns an error, or the
	// commit cannot be made durable, none of its changes are applied.
	Update(fn func(tx Tx) error) error

	// Close releases the pool.
	Close() error
}

// Tx is the write view of a pool inside Update. Reads made through a Tx see
// the transaction's own uncommitted writes.
type Tx interface {
	Get(oid OID) ([]byte, error)

	// Alloc creates a new object holding a copy of data.
	Alloc(data []byte) (OID, error)

	// Set overwrites an existing object. The new contents must have the
	// same length as the old.
	Set(oid OID, data []byte) error

	// Free releases an object.
	Free(oid OID) error
}

// These errors can be returned by pool lifecycle functions.
var (
	// ErrClosed is returned when using a pool after Close.
	ErrClosed = errors.New("pool closed")

	// ErrPoolExists is returned by Create when the path already exists.
	ErrPoolExists = errors.New("pool already exists")

	// ErrBadPool is returned when a file is not a pool journal.
	ErrBadPool = errors.New("not a pool file")

	// ErrLayoutMismatch is returned when opening a pool with a layout name
	// different from the one it was created with.
	ErrLayoutMismatch = errors.New("pool layout mismatch")

	// ErrLocked is returned when another process holds the pool file.
	ErrLocked = errors.New("pool is locked by another process")
)

// These errors can be returned from object access.
var (
	// ErrNoObject is returned for null, unknown or freed identifiers.
	ErrNoObject = errors.New("no such object")

	// ErrPoolFull is returned by Alloc when the allocation would take the
	// pool past its size.
	ErrPoolFull = errors.New("pool is full")

	// ErrSizeMismatch is returned by Set when the length changes.
	ErrSizeMismatch = errors.New("object size mismatch")
)
