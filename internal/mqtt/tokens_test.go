package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/clima/internal/usage"
)

func TestDailyTokens_Add(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.Add(100, 200)
	if err := dt.Record(context.Background(), usage.Record{InputTokens: 50, OutputTokens: 75}); err != nil {
		t.Fatal(err)
	}

	input, output, requests := dt.Snapshot()
	if input != 150 || output != 275 || requests != 2 {
		t.Errorf("got (%d, %d, %d), want (150, 275, 2)", input, output, requests)
	}
}

func TestDailyTokens_ZeroInitially(t *testing.T) {
	input, output, requests := NewDailyTokens(time.UTC).Snapshot()
	if input != 0 || output != 0 || requests != 0 {
		t.Errorf("got (%d, %d, %d), want (0, 0, 0)", input, output, requests)
	}
}

func TestDailyTokens_RollsOverAtMidnight(t *testing.T) {
	now := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return now }
	dt.day = dt.today()

	dt.Add(10, 10)
	now = now.Add(2 * time.Minute) // New Year's Day
	if input, output, requests := dt.Snapshot(); input+output+requests != 0 {
		t.Errorf("counters not reset after midnight: (%d, %d, %d)", input, output, requests)
	}
	dt.Add(1, 2)
	if input, output, _ := dt.Snapshot(); input != 1 || output != 2 {
		t.Errorf("got (%d, %d) after rollover", input, output)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.Add(1, 2)
		}()
	}
	wg.Wait()

	input, output, requests := dt.Snapshot()
	if input != 100 || output != 200 || requests != 100 {
		t.Errorf("got (%d, %d, %d), want (100, 200, 100)", input, output, requests)
	}
}
