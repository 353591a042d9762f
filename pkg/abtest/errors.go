package abtest

import "errors"

// Predefined errors for the abtest package.
var (
	// ErrTestNotFound indicates the requested test key or ID is unknown.
	ErrTestNotFound = errors.New("ab test not found")

	// ErrTestExists indicates a create collided with an existing key.
	ErrTestExists = errors.New("ab test already exists")

	// ErrInvalidTest indicates the test definition failed validation.
	ErrInvalidTest = errors.New("invalid ab test definition")

	// ErrInvalidTransition indicates a disallowed status change.
	ErrInvalidTransition = errors.New("invalid test status transition")

	// ErrParticipationNotFound indicates no participation record exists for
	// the (test, user) pair. Storage providers return it from
	// GetParticipation.
	ErrParticipationNotFound = errors.New("test participation not found")

	// ErrResultNotFound indicates no result has been calculated yet.
	ErrResultNotFound = errors.New("ab test result not found")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("abtest manager is closed")
)
