package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/clima/internal/session"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(max int, idle time.Duration) (*Registry, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(max, idle, func(key, name string) *session.Session {
		return session.New(session.Options{Key: key, User: session.UserContext{DisplayName: name}})
	})
	r.now = clock.now
	return r, clock
}

// touch checks a session out and straight back in.
func touch(r *Registry, key string) (*session.Session, bool) {
	sess, created, done := r.Get(key, "")
	done()
	return sess, created
}

func TestRegistryGetReusesSession(t *testing.T) {
	r, _ := newTestRegistry(0, 0)

	a, created := touch(r, "a@c.us")
	if !created || a.Key() != "a@c.us" {
		t.Fatalf("first Get = %q, created=%v", a.Key(), created)
	}
	again, created := touch(r, "a@c.us")
	if created || again != a {
		t.Error("second Get should return the same session")
	}
	b, _ := touch(r, "b@c.us")
	if b == a {
		t.Error("different keys share a session")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryNameAppliesOnCreate(t *testing.T) {
	r, _ := newTestRegistry(0, 0)

	sess, _, done := r.Get("a@c.us", "Ana")
	done()
	if got := sess.User().DisplayName; got != "Ana" {
		t.Errorf("DisplayName = %q, want Ana", got)
	}
	again, _, done := r.Get("a@c.us", "Someone Else")
	done()
	if got := again.User().DisplayName; got != "Ana" {
		t.Errorf("DisplayName after second Get = %q, want Ana", got)
	}
}

func TestRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	r, clock := newTestRegistry(2, 0)

	a, _ := touch(r, "a")
	clock.advance(time.Second)
	touch(r, "b")
	clock.advance(time.Second)
	touch(r, "a") // a is now the most recent
	clock.advance(time.Second)
	touch(r, "c")

	if _, ok := r.Peek("b"); ok {
		t.Error("b should have been evicted")
	}
	if got, ok := r.Peek("a"); !ok || got != a {
		t.Error("a should survive with its history")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryNeverEvictsBusySession(t *testing.T) {
	r, clock := newTestRegistry(1, time.Minute)

	a, _ := touch(r, "a")
	release, err := a.AcquireTurn(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	clock.advance(time.Hour)
	touch(r, "b")
	if _, ok := r.Peek("a"); !ok {
		t.Fatal("busy session was evicted")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2 (over capacity while busy)", r.Len())
	}

	release()
	clock.advance(2 * time.Minute)
	if n := r.Sweep(); n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
}

func TestRegistryNeverEvictsCheckedOutSession(t *testing.T) {
	r, clock := newTestRegistry(1, time.Minute)

	a, _, done := r.Get("a", "")
	clock.advance(time.Hour)

	// No turn is running yet, but the holder of a is still using it.
	touch(r, "b")
	if got, ok := r.Peek("a"); !ok || got != a {
		t.Fatal("checked-out session was evicted")
	}
	if n := r.Sweep(); n != 0 {
		t.Errorf("Sweep removed %d while a is checked out", n)
	}
	if again, created := touch(r, "a"); created || again != a {
		t.Error("a second message from a should share its session")
	}

	done()
	done()
	clock.advance(2 * time.Minute)
	if n := r.Sweep(); n != 2 {
		t.Errorf("Sweep removed %d after release, want 2", n)
	}
}

func TestRegistryIdleExpiry(t *testing.T) {
	r, clock := newTestRegistry(0, 10*time.Minute)

	first, _ := touch(r, "a")
	first.AppendTurn(session.RoleUser, "hello")

	clock.advance(5 * time.Minute)
	if s, created := touch(r, "a"); created || s != first {
		t.Error("session expired before the idle limit")
	}

	clock.advance(11 * time.Minute)
	s, created := touch(r, "a")
	if !created || s == first {
		t.Fatal("idle session should be replaced")
	}
	if s.History().Len() != 0 {
		t.Error("replacement session should start empty")
	}
}
