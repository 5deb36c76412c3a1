package repositories

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a conditional write lost: the row exists but not in the expected state.
	ErrConflict = errors.New("conditional update lost")
)
