package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/clima/internal/usage"
)

// DailyTokens counts tokens used since local midnight. It is safe for
// concurrent use and satisfies the orchestrator's usage recorder
// interface, so it can sit beside the persistent usage ledger.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	day      string // YYYY-MM-DD of the current window
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc.
// A nil loc uses [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Record adds the tokens of one model call.
func (d *DailyTokens) Record(_ context.Context, rec usage.Record) error {
	d.Add(rec.InputTokens, rec.OutputTokens)
	return nil
}

// Add adds token counts for one request.
func (d *DailyTokens) Add(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rolloverLocked()
	d.input += int64(input)
	d.output += int64(output)
	d.requests++
}

// Snapshot returns today's input tokens, output tokens and request
// count.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rolloverLocked()
	return d.input, d.output, d.requests
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

func (d *DailyTokens) rolloverLocked() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.requests = 0, 0, 0
		d.day = today
	}
}
