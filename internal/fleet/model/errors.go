package model

import "errors"

var (
	// ErrNotFound means the referenced agent, group or deployment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a uniqueness or state-machine constraint was violated.
	ErrConflict = errors.New("conflict")
	// ErrInvalidStrategy means an unrecognized deployment strategy name.
	ErrInvalidStrategy = errors.New("invalid deployment strategy")
)
