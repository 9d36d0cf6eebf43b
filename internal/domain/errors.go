package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks bad caller input. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks an unknown schedule, queue or item id.
	ErrNotFound = errors.New("not found")
	// ErrDependencyCycle marks a queue item whose dependency set loops back
	// on itself. Rejected at admission so the ready-item filter can never
	// stall on it.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Error classes used by retry allow/deny lists.
const (
	ClassInvalidArgument = "invalid_argument"
	ClassNotFound        = "not_found"
	ClassDependencyCycle = "dependency_cycle"
	ClassDestination     = "destination"
	ClassInternal        = "internal"
)

// DestinationError is a failure surfaced by a publishing destination.
// Class feeds the retry policy's allow/deny lists.
type DestinationError struct {
	Destination string
	Class       string
	Err         error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination %s: %v", e.Destination, e.Err)
}

func (e *DestinationError) Unwrap() error { return e.Err }

// NewDestinationError wraps err as a destination failure. An empty class
// defaults to the generic destination class.
func NewDestinationError(destination, class string, err error) *DestinationError {
	if class == "" {
		class = ClassDestination
	}
	return &DestinationError{Destination: destination, Class: class, Err: err}
}

// Classify maps an error to its retry class.
func Classify(err error) string {
	var de *DestinationError
	switch {
	case errors.As(err, &de):
		return de.Class
	case errors.Is(err, ErrInvalidArgument):
		return ClassInvalidArgument
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrDependencyCycle):
		return ClassDependencyCycle
	default:
		return ClassInternal
	}
}
