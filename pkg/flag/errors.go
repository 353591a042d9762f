package flag

import "errors"

// Predefined errors for the flag package. Management calls return these;
// Evaluate never does (failures degrade to ReasonError results).
var (
	// ErrFlagNotFound indicates the requested flag key is unknown.
	ErrFlagNotFound = errors.New("feature flag not found")

	// ErrFlagExists indicates a create collided with an existing key.
	ErrFlagExists = errors.New("feature flag already exists")

	// ErrInvalidFlag indicates the flag definition failed validation.
	ErrInvalidFlag = errors.New("invalid feature flag definition")

	// ErrInvalidTransition indicates a disallowed status change.
	ErrInvalidTransition = errors.New("invalid flag status transition")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("flag manager is closed")
)
