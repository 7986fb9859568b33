package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// whose id or dedupe fingerprint already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConstraintViolation is returned when a write is rejected by a
	// check constraint (e.g. an exit reason the schema does not accept).
	ErrConstraintViolation = errors.New("constraint violation")
)
