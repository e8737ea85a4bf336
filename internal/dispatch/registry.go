package dispatch

import (
	"sync"
	"time"

	"github.com/nugget/clima/internal/session"
)

// Registry maps chat ids to sessions. Sessions idle longer than the
// idle limit are dropped, and once the registry is full the least
// recently used session makes room for a new one. A session that is
// checked out through Get, or has a turn in progress, is never evicted.
// Registry is safe for concurrent use.
type Registry struct {
	max     int
	idle    time.Duration
	factory Factory
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Factory builds the session for a chat id. displayName is the best
// known name of the sender and may be empty.
type Factory func(key, displayName string) *session.Session

type entry struct {
	sess     *session.Session
	lastUsed time.Time
	pins     int // outstanding Get calls not yet released
}

func (e *entry) evictable() bool {
	return e.pins == 0 && !e.sess.Busy()
}

// NewRegistry creates a registry holding at most max sessions. Zero
// max or idle disables that limit. factory builds new sessions.
func NewRegistry(max int, idle time.Duration, factory Factory) *Registry {
	return &Registry{
		max:     max,
		idle:    idle,
		factory: factory,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Get returns the session for key, creating it with displayName when
// absent. created reports whether a new session was made. The session
// stays pinned until done is called, so a message waiting for its turn
// cannot lose its session to eviction. done is safe to call twice.
func (r *Registry) Get(key, displayName string) (sess *session.Session, created bool, done func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	if e, ok := r.entries[key]; ok {
		e.lastUsed = now
		e.pins++
		return e.sess, false, r.release(e)
	}

	if r.max > 0 {
		for len(r.entries) >= r.max {
			if !r.evictOldestLocked() {
				break
			}
		}
	}
	e := &entry{sess: r.factory(key, displayName), lastUsed: now, pins: 1}
	r.entries[key] = e
	return e.sess, true, r.release(e)
}

func (r *Registry) release(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.pins--
			e.lastUsed = r.now()
		})
	}
}

// Peek returns the session for key without creating it or touching its
// recency.
func (r *Registry) Peek(key string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops idle sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

func (r *Registry) sweepLocked(now time.Time) int {
	if r.idle <= 0 {
		return 0
	}
	removed := 0
	for key, e := range r.entries {
		if now.Sub(e.lastUsed) > r.idle && e.evictable() {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// evictOldestLocked removes the least recently used evictable session.
// It reports false when every session is pinned or busy.
func (r *Registry) evictOldestLocked() bool {
	var (
		oldestKey string
		oldest    *entry
	)
	for key, e := range r.entries {
		if !e.evictable() {
			continue
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = key, e
		}
	}
	if oldest == nil {
		return false
	}
	delete(r.entries, oldestKey)
	return true
}
