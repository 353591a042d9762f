package targeting

import "errors"

// Predefined errors for the targeting package.
var (
	// ErrInvalidCondition indicates a malformed condition: an unknown
	// operator, a clause mixed with a boolean tree, or an empty clause.
	ErrInvalidCondition = errors.New("invalid targeting condition")

	// ErrInvalidPattern indicates the regex operator received a value that
	// is not a valid regular expression.
	ErrInvalidPattern = errors.New("invalid regex pattern")
)
