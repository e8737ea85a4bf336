package session

import (
	"context"
	"maps"
	"sync"
)

// UserContext describes the person behind a session. Empty fields are
// treated as absent and left out of the instructions.
type UserContext struct {
	DisplayName     string
	DefaultLocation string
	Preferences     map[string]string // e.g. temperature_unit: celsius
}

// clone returns a deep copy so callers cannot mutate session state.
func (u UserContext) clone() UserContext {
	u.Preferences = maps.Clone(u.Preferences)
	return u
}

// Options configure a new Session.
type Options struct {
	// Key is the external identity (a chat id). Empty in single-user mode.
	Key string

	// Capacity bounds the history; zero selects DefaultCapacity.
	Capacity int

	User UserContext

	// Prompt supplies the static persona and guidelines blocks. The zero
	// value uses the built-in text.
	Prompt Prompt
}

// Session is one isolated conversation: a bounded history and a user
// context, plus a turn lock that keeps turns from overlapping.
type Session struct {
	key     string
	history *History
	prompt  Prompt

	mu   sync.RWMutex
	user UserContext

	// turn is a one-slot semaphore; a channel rather than a mutex so
	// that waiting for a busy session honours context cancellation.
	turn chan struct{}
}

// New creates a session.
func New(opts Options) *Session {
	return &Session{
		key:     opts.Key,
		history: NewHistory(opts.Capacity),
		prompt:  opts.Prompt.withDefaults(),
		user:    opts.User.clone(),
		turn:    make(chan struct{}, 1),
	}
}

// Key returns the session's identity key.
func (s *Session) Key() string {
	return s.key
}

// History returns the session's turn history.
func (s *Session) History() *History {
	return s.history
}

// AppendTurn is shorthand for s.History().Append.
func (s *Session) AppendTurn(role Role, text string) error {
	return s.history.Append(role, text)
}

// User returns a copy of the current user context.
func (s *Session) User() UserContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.clone()
}

// SetUserContext replaces the user context. This is the only way the
// context changes after creation; the turn loop never calls it.
func (s *Session) SetUserContext(u UserContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u.clone()
}

// AcquireTurn blocks until no other turn is running on this session or
// ctx is done. The returned function releases the turn and must be
// called exactly once.
func (s *Session) AcquireTurn(ctx context.Context) (release func(), err error) {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-s.turn
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { <-s.turn }) }, nil
}

// Busy reports whether a turn is currently running.
func (s *Session) Busy() bool {
	return len(s.turn) > 0
}
