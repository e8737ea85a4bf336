// Package session holds per-conversation state: a bounded turn history,
// the user context record, and the instruction builder that renders
// both into the system prompt delivered to the model on every turn.
package session

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultCapacity is the number of turns a History retains.
const DefaultCapacity = 10

// Turn is a single entry in a conversation history. Turns are values;
// once appended they are never modified.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// History is an insertion-ordered, capacity-bounded sequence of turns.
// Appending at capacity evicts the oldest turn. It is safe for
// concurrent use.
type History struct {
	mu       sync.RWMutex
	capacity int
	turns    []Turn
	now      func() time.Time
}

// NewHistory creates an empty history holding at most capacity turns.
// A non-positive capacity selects [DefaultCapacity].
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		turns:    make([]Turn, 0, capacity),
		now:      time.Now,
	}
}

// Append adds a turn. Text that is empty after trimming whitespace is
// rejected with *InvalidInputError and the history is unchanged.
func (h *History) Append(role Role, text string) error {
	if strings.TrimSpace(text) == "" {
		return &InvalidInputError{Field: "text", Reason: "empty"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.turns) == h.capacity {
		copy(h.turns, h.turns[1:])
		h.turns = h.turns[:len(h.turns)-1]
	}
	h.turns = append(h.turns, Turn{Role: role, Text: text, At: h.now()})
	return nil
}

// Turns returns a copy of all retained turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Recent returns a copy of the last n turns, oldest first.
func (h *History) Recent(n int) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	if n > len(h.turns) {
		n = len(h.turns)
	}
	out := make([]Turn, n)
	copy(out, h.turns[len(h.turns)-n:])
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Capacity returns the maximum number of retained turns.
func (h *History) Capacity() int {
	return h.capacity
}

// Reset drops every turn.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = h.turns[:0]
}
