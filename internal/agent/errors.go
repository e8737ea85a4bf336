package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/clima/internal/mcp"
)

// User-safe messages. Nothing else is ever shown to an end user when a
// turn fails; the full error goes to the log.
const (
	MsgModelUnavailable = "Sorry, I can't reach the language model right now. Please try again in a moment."
	MsgToolsUnavailable = "Sorry, the weather service is unavailable right now. Please try again shortly."
	MsgTooManySteps     = "Sorry, that question needed too many steps. Could you rephrase it?"
	MsgCancelled        = "Request cancelled."
)

// SafeMessages is the closed set of texts RunTurn returns on failure.
var SafeMessages = []string{
	MsgModelUnavailable,
	MsgToolsUnavailable,
	MsgTooManySteps,
	MsgCancelled,
}

// IsSafeMessage reports whether s is one of SafeMessages.
func IsSafeMessage(s string) bool {
	for _, m := range SafeMessages {
		if s == m {
			return true
		}
	}
	return false
}

// ErrIterationLimit is returned when the model keeps calling tools past
// the configured iteration budget.
var ErrIterationLimit = errors.New("tool iteration limit reached")

// ErrEmptyResponse is returned when the model produces no text even
// after being nudged.
var ErrEmptyResponse = errors.New("model returned an empty response")

// ModelInvocationError reports a failed or unusable completion call.
type ModelInvocationError struct {
	Model string
	Err   error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// safeMessageFor maps a turn failure onto its user-facing text.
func safeMessageFor(err error) string {
	var (
		he *mcp.HandshakeError
		te *mcp.TransportError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return MsgCancelled
	case errors.Is(err, ErrIterationLimit):
		return MsgTooManySteps
	case errors.As(err, &he), errors.As(err, &te):
		return MsgToolsUnavailable
	default:
		return MsgModelUnavailable
	}
}
