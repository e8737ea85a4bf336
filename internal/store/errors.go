package store

import (
	"errors"
	"fmt"
)

// ErrContactLimit is returned when adding a contact to a full allow-list.
var ErrContactLimit = errors.New("contact limit reached")

// ErrDuplicateContact is returned when adding a number that is already listed.
var ErrDuplicateContact = errors.New("contact already listed")

// ErrInvalidNumber is returned for numbers with no digits.
var ErrInvalidNumber = errors.New("invalid contact number")

// ConfigPersistenceError reports a failure reading or writing one of the
// persisted state files. The in-memory state is left as it was before
// the failed operation.
type ConfigPersistenceError struct {
	Path string
	Op   string // read, write
	Err  error
}

func (e *ConfigPersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConfigPersistenceError) Unwrap() error { return e.Err }

// ContactLimitError is returned by mutations that would grow the
// allow-list past its limit. It matches ErrContactLimit.
type ContactLimitError struct {
	Limit int
}

func (e *ContactLimitError) Error() string {
	return fmt.Sprintf("contact limit of %d reached", e.Limit)
}

func (e *ContactLimitError) Is(target error) bool { return target == ErrContactLimit }
