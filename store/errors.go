package store

import "errors"

var (
	// ErrValidation marks bad input rejected before any mutation.
	ErrValidation = errors.New("validation error")
	// ErrState marks an illegal lifecycle transition.
	ErrState = errors.New("illegal state transition")
	// ErrNotFound marks a lookup for a record that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorage marks a persistence failure. Multi-row mutations are
	// all-or-nothing: a wrapped ErrStorage means nothing was written.
	ErrStorage = errors.New("storage error")
)
