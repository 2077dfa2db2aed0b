package actions

import "errors"

var (
	// ErrConflict indicates a record with the same key already exists.
	ErrConflict = errors.New("action record already exists")
	// ErrNotFound indicates the record is absent or its ttl elapsed.
	ErrNotFound = errors.New("action record not found")
	// ErrStaleState indicates a conditional write lost against the current state.
	ErrStaleState = errors.New("action record state mismatch/conditional failed")
	// ErrInvalidTransition indicates a transition that is not a forward step.
	ErrInvalidTransition = errors.New("invalid state transition")
)
