package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func fastSchedule() Schedule {
	return Schedule{
		Interval: time.Millisecond,
		Retry:    time.Millisecond,
		MaxRetry: 4 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scripted returns the given results in order, then blocks until the
// probe context ends.
func scripted(results ...error) Probe {
	var mu sync.Mutex
	return func(ctx context.Context) error {
		mu.Lock()
		if len(results) > 0 {
			err := results[0]
			results = results[1:]
			mu.Unlock()
			return err
		}
		mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
}

type transition struct {
	Up  bool
	Err string
}

func TestTransitions(t *testing.T) {
	defer goleak.VerifyNone(t)

	down := errors.New("session is SCAN_QR_CODE")
	// The long timeout keeps the exhausted probe parked until cancel.
	sched := fastSchedule()
	sched.Timeout = time.Minute
	m := New(sched, discard())

	events := make(chan transition, 10)
	err := m.Add(Check{
		Name:  "waha",
		Probe: scripted(down, down, nil, nil, down),
		OnChange: func(up bool, err error) {
			tr := transition{Up: up}
			if err != nil {
				tr.Err = err.Error()
			}
			events <- tr
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var got []transition
	for len(got) < 3 {
		select {
		case tr := <-events:
			got = append(got, tr)
		case <-time.After(5 * time.Second):
			t.Fatalf("transitions so far: %v", got)
		}
	}

	want := []transition{
		{Up: false, Err: "session is SCAN_QR_CODE"},
		{Up: true},
		{Up: false, Err: "session is SCAN_QR_CODE"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}

	st := m.Status()["waha"]
	if st.Up || st.Failures != 1 || st.LastError == "" || st.Since.IsZero() {
		t.Errorf("status = %+v", st)
	}
	if m.Up("waha") {
		t.Error("Up(waha) = true after a failed probe")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusOnlyProbedChecks(t *testing.T) {
	m := New(fastSchedule(), discard())
	if err := m.Add(Check{Name: "tools", Probe: scripted()}); err != nil {
		t.Fatal(err)
	}
	if got := m.Status(); len(got) != 0 {
		t.Errorf("status before Run = %v", got)
	}
	if m.Up("tools") || m.Up("unknown") {
		t.Error("unprobed checks must not report up")
	}
}

func TestAddValidation(t *testing.T) {
	m := New(Schedule{}, discard())
	ok := func(context.Context) error { return nil }

	if err := m.Add(Check{Probe: ok}); err == nil {
		t.Error("nameless check accepted")
	}
	if err := m.Add(Check{Name: "waha"}); err == nil {
		t.Error("check without probe accepted")
	}
	if err := m.Add(Check{Name: "waha", Probe: ok}); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(Check{Name: "waha", Probe: ok}); err == nil {
		t.Error("duplicate check accepted")
	}
}

func TestProbeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	sched := fastSchedule()
	sched.Timeout = 5 * time.Millisecond
	m := New(sched, discard())

	events := make(chan error, 1)
	m.Add(Check{
		Name:     "tools",
		Probe:    scripted(),
		OnChange: func(_ bool, err error) { events <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case err := <-events:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hung probe was not timed out")
	}
	cancel()
	<-done
}

func TestScheduleDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Schedule
		want Schedule
	}{
		{"zero", Schedule{}, DefaultSchedule()},
		{
			"ceiling below retry",
			Schedule{Interval: time.Second, Retry: 2 * time.Minute, MaxRetry: time.Second, Timeout: time.Second},
			Schedule{Interval: time.Second, Retry: 2 * time.Minute, MaxRetry: 2 * time.Minute, Timeout: time.Second},
		},
		{"kept", fastSchedule(), fastSchedule()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.in.withDefaults()); diff != "" {
				t.Errorf("schedule (-want +got):\n%s", diff)
			}
		})
	}
}
