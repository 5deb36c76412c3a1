package services

import (
	"errors"
	"fmt"

	"gossiphub/internal/repositories"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrPeerUnreachable   = errors.New("peer unreachable")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTransientStorage  = errors.New("storage temporarily unavailable")
)

// storageErr maps repository failures onto service errors. Anything that is
// not a known repository sentinel is reported as transient.
func storageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, repositories.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrTransientStorage, err)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
