package dispatch

import (
	"sync"
	"time"
)

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// rateLimiter allows at most limit messages per sender per rateWindow.
// A non-positive limit allows everything.
type rateLimiter struct {
	limit int

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{limit: limit, senderTimes: make(map[string][]time.Time)}
}

// allow records a message from sender at now and reports whether it is
// within the limit. Rejected messages are not counted.
func (l *rateLimiter) allow(sender string, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	cutoff := now.Add(-rateWindow)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupLocked(now)

	valid := l.senderTimes[sender][:0]
	for _, ts := range l.senderTimes[sender] {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= l.limit {
		l.senderTimes[sender] = valid
		return false
	}
	l.senderTimes[sender] = append(valid, now)
	return true
}

func (l *rateLimiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < cleanupInterval {
		return
	}
	l.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, times := range l.senderTimes {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(l.senderTimes, sender)
		}
	}
}
