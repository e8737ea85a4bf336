package session

import "fmt"

// InvalidInputError reports input that was rejected before any state
// changed: an empty turn or an empty query.
type InvalidInputError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
