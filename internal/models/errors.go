package models

import "errors"

var (
	// ErrNotFound marks an unknown, expired or unreadable job, candidate or version.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation that the current status does not permit.
	ErrInvalidState = errors.New("invalid state")
)
