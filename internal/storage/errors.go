package storage

import "errors"

// Storage errors shared by all bucket store implementations.
var (
	// ErrNotFound is returned when a requested bucket does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by a conditional update when the bucket
	// version changed underneath the caller and the retry budget ran out.
	ErrConflict = errors.New("conflict: bucket version changed")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
